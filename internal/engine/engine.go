package engine

import (
	"math/rand"
	"sync"

	"github.com/iltempo/conductor/internal/docmodel"
	"github.com/iltempo/conductor/internal/sink"
)

// Engine is the real-time scheduling core: no look-ahead, tick-quantized,
// driven exclusively by its tick driver (an internal or external clock)
// calling OnTick once per pulse. It implements clock.Transport.
type Engine struct {
	mu sync.Mutex

	snk    sink.Sink
	limits Limits

	doc       *docmodel.LoopDoc
	stepTicks int
	tick      int
	playing   bool

	active     map[noteKey][]NoteEvent
	nextNoteID int

	// pendingOns holds note-on events already resolved (pitch, velocity,
	// off_tick) but not yet due; ratchet repeats with r>0 land here until
	// their own tick (T + r*segmentTicks) arrives.
	pendingOns map[int][]pendingOn

	lastCC       map[ccKey]int
	lastCCTick   int
	haveCCTick   bool
	ccSentGlobal int
	ccSentTrack  map[int]int

	metrics Metrics
	rng     *rand.Rand

	lfoState map[string]*lfoRuntimeState
	lfosNow  []LFOSnapshot
}

type pendingOn struct {
	channel int
	pitch   int
	velocity int
	offTick int
}

type lfoRuntimeState struct {
	haveLastFrac bool
	lastFrac     float64
	value        float64
}

// New builds an idle engine around the given output sink. A zero Limits
// value falls back to the effectively-unbounded default.
func New(snk sink.Sink, limits Limits) *Engine {
	return &Engine{
		snk:        snk,
		limits:     limits.normalized(),
		active:     make(map[noteKey][]NoteEvent),
		pendingOns: make(map[int][]pendingOn),
		lastCC:     make(map[ccKey]int),
		ccSentTrack: make(map[int]int),
		rng:        rand.New(rand.NewSource(0)),
		lfoState:   make(map[string]*lfoRuntimeState),
		nextNoteID: 1,
	}
}

// Load installs doc as the engine's active document, deriving step_ticks.
// The active-notes ledger is left untouched: in-flight notes still resolve
// their own note-off against whatever step_ticks was in effect when
// scheduled.
func (e *Engine) Load(doc *docmodel.LoopDoc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(doc)
}

func (e *Engine) loadLocked(doc *docmodel.LoopDoc) {
	e.doc = doc
	spb := doc.Meta.StepsPerBar
	if spb <= 0 {
		e.stepTicks = 0
		return
	}
	e.stepTicks = doc.Meta.PPQ * 4 / spb
}

// ReplaceDoc atomically swaps in a new document mid-play. The ledger,
// pending ratchets, and CC/LFO state all survive the swap.
func (e *Engine) ReplaceDoc(doc *docmodel.LoopDoc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(doc)
}

// Start transitions to playing, resets the playhead to 0, and clears
// per-LFO runtime state (sample-hold values, phase-wrap detectors).
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = true
	e.tick = 0
	e.lfoState = make(map[string]*lfoRuntimeState)
}

// Continue transitions to playing without resetting the tick or clearing
// LFO state, matching the external-clock "continue" transport message.
func (e *Engine) Continue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = true
}

// Stop sends all-notes-off/panic, clears the active-notes ledger, and
// transitions to stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panicLocked()
	e.playing = false
}

// SetTick forces the playhead to an absolute tick, used by song-position-
// pointer handling and by the external clock's start handling.
func (e *Engine) SetTick(tick int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick = tick
}

// OnTick advances the playhead by n ticks (n = max(1, ppq/24) under the
// clock's pulse-to-tick ratio) and runs one full scheduling pass at each of
// the n intermediate ticks in turn, matching
// original_source/conductor/conductor_server.py's `for _ in range(ratio):
// self.engine.on_tick(self.engine.tick + 1)` — every tick the playhead
// passes through gets its own pipeline pass, not just the tick it lands
// on, so events scheduled on a skipped tick (a microshift or ratchet
// segment not aligned to the pulse ratio) are never silently dropped. n<=0
// re-runs the pipeline once at the current tick without advancing, used by
// DoPlay/DoContinue to catch events due exactly at the current position.
// It is the engine's sole forward-progress primitive.
func (e *Engine) OnTick(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		e.runTickLocked(e.tick)
		return
	}
	for i := 0; i < n; i++ {
		e.tick++
		e.runTickLocked(e.tick)
	}
}

func (e *Engine) runTickLocked(tick int) {
	e.emitDueOffsLocked(tick)
	if !e.playing || e.doc == nil {
		return
	}
	e.emitDueOnsLocked(tick)
	e.emitCCUpdatesLocked(tick)
}

func (e *Engine) emitDueOffsLocked(tick int) {
	for key, stack := range e.active {
		kept := stack[:0]
		for _, ne := range stack {
			if ne.OffTick <= tick {
				e.snk.NoteOff(key.channel, key.pitch)
				e.metrics.MsgsNoteOff++
			} else {
				kept = append(kept, ne)
			}
		}
		if len(kept) == 0 {
			delete(e.active, key)
		} else {
			e.active[key] = kept
		}
	}
}

func (e *Engine) panicLocked() {
	for key, stack := range e.active {
		for range stack {
			e.snk.NoteOff(key.channel, key.pitch)
		}
	}
	e.active = make(map[noteKey][]NoteEvent)
	e.pendingOns = make(map[int][]pendingOn)
	e.snk.Panic()
}

func mod(a, b int) int {
	if b == 0 {
		return 0
	}
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
