package engine

import "sort"

// GetMetrics returns a copy of the cumulative message counters.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// GetCCSnapshot returns the last-sent CC value per channel and control.
func (e *Engine) GetCCSnapshot() map[int]map[int]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]map[int]int)
	for key, val := range e.lastCC {
		ch, ok := out[key.channel]
		if !ok {
			ch = make(map[int]int)
			out[key.channel] = ch
		}
		ch[key.control] = val
	}
	return out
}

// GetActiveNotesSnapshot summarizes currently sounding notes per channel.
func (e *Engine) GetActiveNotesSnapshot() map[int]ActiveNotesSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]ActiveNotesSummary)
	pitchSets := make(map[int]map[int]bool)
	for key, stack := range e.active {
		ent := out[key.channel]
		ent.Count += len(stack)
		out[key.channel] = ent
		set, ok := pitchSets[key.channel]
		if !ok {
			set = make(map[int]bool)
			pitchSets[key.channel] = set
		}
		set[key.pitch] = true
	}
	for ch, set := range pitchSets {
		pitches := make([]int, 0, len(set))
		for p := range set {
			pitches = append(pitches, p)
		}
		sort.Ints(pitches)
		ent := out[ch]
		ent.Pitches = pitches
		out[ch] = ent
	}
	return out
}

// GetLFOSnapshot returns the LFO live readings computed on the most recent
// tick that evaluated CC updates.
func (e *Engine) GetLFOSnapshot() []LFOSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LFOSnapshot, len(e.lfosNow))
	copy(out, e.lfosNow)
	return out
}

// Tick returns the current absolute playhead position.
func (e *Engine) Tick() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Playing reports whether the engine believes transport is rolling.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// StepTicks returns the current document's ticks-per-step.
func (e *Engine) StepTicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepTicks
}
