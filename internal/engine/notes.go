package engine

import (
	"github.com/iltempo/conductor/internal/docmodel"
)

// emitDueOnsLocked resolves step events and drumKit hits scheduled for
// tick, enqueues every ratchet repetition's note-on (including the r=0
// repetition due immediately) into pendingOns, then fires whatever in
// pendingOns is now due. Grounded on midi_engine.py's _emit_due_ons, with
// ratchet repeats deferred to their own tick rather than fired all at once.
func (e *Engine) emitDueOnsLocked(tick int) {
	if e.doc == nil || e.stepTicks <= 0 {
		e.fireDuePendingOnsLocked(tick)
		return
	}
	meta := e.doc.Meta
	spb := meta.StepsPerBar
	barTicks := e.stepTicks * spb
	drumMap := docmodel.MergedDrumMap(e.doc.DeviceProfile.DrumMap)

	for _, tr := range e.doc.Tracks {
		ch := tr.MidiChannel
		lengthBars := tr.Pattern.LengthBars
		if lengthBars < 1 {
			lengthBars = 1
		}
		period := barTicks * lengthBars
		if period < 1 {
			period = 1
		}
		tickInLoop := mod(tick, period)

		for _, st := range tr.Pattern.Steps {
			if st.Idx < 0 {
				continue
			}
			stepTick := mod(st.Idx, spb*lengthBars) * e.stepTicks
			for _, ev := range st.Events {
				e.scheduleStepEventLocked(ev, ch, tick, tickInLoop, stepTick, period, meta)
			}
		}

		e.scheduleDrumKitLocked(tr, ch, tick, barTicks, lengthBars, drumMap)
	}

	e.fireDuePendingOnsLocked(tick)
}

func (e *Engine) scheduleStepEventLocked(ev docmodel.Event, ch, tick, tickInLoop, stepTick, period int, meta docmodel.Meta) {
	prob := ev.ProbOrDefault()
	if prob <= 0 {
		return
	}
	if prob < 1.0 && e.rng.Float64() > prob {
		return
	}

	vel := ev.Velocity
	if vel <= 0 {
		vel = 100
	}
	ls := ev.LengthSteps
	if ls < 1 {
		ls = 1
	}
	gate := ev.GateOrDefault()
	ratchet := ev.RatchetOrDefault()
	microMs := ev.MicroshiftMs

	bpm := meta.Tempo
	ppq := meta.PPQ
	tpm := float64(ppq) * bpm / 60000.0
	offsetTicks := roundToInt(float64(microMs) * tpm)
	scheduledTick := mod(stepTick+offsetTicks, period)
	if tickInLoop != scheduledTick {
		return
	}

	baseLen := int(float64(e.stepTicks*ls) * gate)
	if baseLen < 1 {
		baseLen = 1
	}

	pitches := resolvePitches(ev, meta)
	if len(pitches) == 0 {
		return
	}

	reps := ratchet
	if reps < 1 {
		reps = 1
	}
	seg := baseLen / reps
	if seg < 1 {
		seg = 1
	}

	for r := 0; r < reps; r++ {
		onTickAbs := tick + r*seg
		offTick := onTickAbs + seg
		for _, p := range pitches {
			pitch := clampInt(p, 0, 127)
			e.pendingOns[onTickAbs] = append(e.pendingOns[onTickAbs], pendingOn{
				channel: ch, pitch: pitch, velocity: vel, offTick: offTick,
			})
		}
	}
}

func resolvePitches(ev docmodel.Event, meta docmodel.Meta) []int {
	switch {
	case ev.Pitch != nil:
		return []int{*ev.Pitch}
	case ev.Degree != nil:
		return []int{docmodel.DegreeToPitch(*ev.Degree, ev.OctaveOffset, meta.Key, meta.Mode)}
	case ev.Chord != "":
		return docmodel.ExpandChord(ev.Chord, ev.Register, meta.Key, meta.Mode)
	default:
		return nil
	}
}

func (e *Engine) scheduleDrumKitLocked(tr docmodel.Track, ch, tick, barTicks, lengthBars int, drumMap map[string]int) {
	dk := tr.DrumKit
	if dk == nil || e.stepTicks == 0 || mod(tick, e.stepTicks) != 0 {
		return
	}
	barInLoop := mod(tick/barTicks, lengthBars) + 1
	stepInBar := mod(tick, barTicks) / e.stepTicks
	defaultLen := dk.LengthSteps
	if defaultLen < 1 {
		defaultLen = 1
	}
	repeatBars := dk.RepeatBars
	if repeatBars < 1 {
		repeatBars = 1
	}

	for _, p := range dk.Patterns {
		b0 := p.Bar
		if b0 < 1 {
			b0 = 1
		}
		if !(b0 <= barInLoop && barInLoop <= b0+repeatBars-1) {
			continue
		}
		if stepInBar < 0 || stepInBar >= len(p.Pattern) {
			continue
		}
		if p.Pattern[stepInBar] != 'x' {
			continue
		}
		key := docmodel.ResolveDrumKey(p.Key)
		pitch, ok := drumMap[key]
		if !ok {
			continue
		}
		vel := p.Vel
		if vel <= 0 {
			vel = 100
		}
		ls := p.LengthSteps
		if ls < 1 {
			ls = defaultLen
		}
		lengthTicks := e.stepTicks * ls
		if lengthTicks < 1 {
			lengthTicks = 1
		}
		e.pendingOns[tick] = append(e.pendingOns[tick], pendingOn{
			channel: ch, pitch: clampInt(pitch, 0, 127), velocity: vel, offTick: tick + lengthTicks,
		})
	}
}

func (e *Engine) fireDuePendingOnsLocked(tick int) {
	due, ok := e.pendingOns[tick]
	if !ok {
		return
	}
	delete(e.pendingOns, tick)
	for _, p := range due {
		e.snk.NoteOn(p.channel, p.pitch, p.velocity)
		e.metrics.MsgsNoteOn++
		id := e.nextNoteID
		e.nextNoteID++
		key := noteKey{channel: p.channel, pitch: p.pitch}
		e.active[key] = append(e.active[key], NoteEvent{
			Channel: p.channel, Pitch: p.pitch, ID: id, OnTick: tick, OffTick: p.offTick,
		})
	}
}

func roundToInt(f float64) int {
	if f >= 0 {
		return int(f + 0.5)
	}
	return -int(-f + 0.5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
