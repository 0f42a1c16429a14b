// Package engine implements the deterministic, tick-quantized scheduling
// core: note on/off with guaranteed note-off pairing, controller-lane and
// LFO evaluation with rate limiting, and atomic document replacement.
// Grounded on original_source/conductor/midi_engine.py's Engine class.
package engine

import "github.com/iltempo/conductor/internal/docmodel"

// NoteEvent is one scheduled (or sounding) note in the active-notes ledger.
type NoteEvent struct {
	Channel int
	Pitch   int
	ID      int
	OnTick  int
	OffTick int
}

type noteKey struct {
	channel int
	pitch   int
}

type ccKey struct {
	channel int
	control int
}

// Metrics are cumulative counters exposed for the control surface's
// periodic metrics broadcast.
type Metrics struct {
	MsgsNoteOn  int
	MsgsNoteOff int
	MsgsCC      int
	ShedCC      int
}

// Limits bounds how many CC messages the engine will send in a single
// tick, globally and per MIDI channel. Zero means "use the default",
// which is effectively unbounded (1,000,000), matching
// midi_engine.py's Engine.__init__ default limits.
type Limits struct {
	CCPerTickGlobal int
	CCPerTickTrack  int
}

const defaultCCLimit = 1_000_000

func (l Limits) normalized() Limits {
	if l.CCPerTickGlobal <= 0 {
		l.CCPerTickGlobal = defaultCCLimit
	}
	if l.CCPerTickTrack <= 0 {
		l.CCPerTickTrack = defaultCCLimit
	}
	return l
}

// ActiveNotesSummary is a per-channel snapshot of currently sounding notes.
type ActiveNotesSummary struct {
	Count   int
	Pitches []int
}

// LFOSnapshot is a live reading of one LFO, taken on the most recent tick.
type LFOSnapshot struct {
	Track      int
	LfoID      string
	DestCtrl   int
	HasDest    bool
	DestString docmodel.Dest
	Channel    int
	Shape      string
	Depth      int
	Offset     int
	Center     int
	Active     bool
	Value      int
}
