package engine

import (
	"testing"

	"github.com/iltempo/conductor/internal/docmodel"
	"github.com/iltempo/conductor/internal/sink"
)

func singleNoteDoc(ppq, stepsPerBar int) *docmodel.LoopDoc {
	pitch := 60
	return &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: ppq, StepsPerBar: stepsPerBar},
		Tracks: []docmodel.Track{
			{
				ID:          "t1",
				MidiChannel: 0,
				Pattern: docmodel.Pattern{
					LengthBars: 1,
					Steps: []docmodel.Step{
						{Idx: 0, Events: []docmodel.Event{{Pitch: &pitch, Velocity: 100, LengthSteps: 1}}},
					},
				},
			},
		},
	}
}

// A single note at step 0, ticked one tick at a time, produces exactly one
// note_on (at tick 0) and exactly one note_off (at its length boundary).
func TestSingleNoteOneStep(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	doc := singleNoteDoc(96, 16)
	e.Load(doc)
	e.Start()
	e.OnTick(0) // DoPlay's immediate re-run at tick 0

	stepTicks := e.StepTicks()
	for i := 0; i < stepTicks*2; i++ {
		e.OnTick(1)
	}

	var ons, offs int
	for _, ev := range vs.Events {
		switch ev.Kind {
		case "note_on":
			ons++
			if ev.Pitch != 60 {
				t.Errorf("note_on pitch = %d, want 60", ev.Pitch)
			}
		case "note_off":
			offs++
		}
	}
	if ons != 1 {
		t.Errorf("note_on count = %d, want 1", ons)
	}
	if offs != 1 {
		t.Errorf("note_off count = %d, want 1", offs)
	}
}

// Replacing the document mid-note must not orphan the sounding note: its
// off must still fire at the originally scheduled tick.
func TestReplaceDocPreservesPendingNoteOff(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	doc := singleNoteDoc(96, 16)
	e.Load(doc)
	e.Start()
	e.OnTick(0) // fire the note_on at tick 0

	// Replace with an empty document — the active note must still resolve.
	empty := &docmodel.LoopDoc{Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16}}
	e.ReplaceDoc(empty)

	stepTicks := e.StepTicks()
	for i := 0; i < stepTicks+2; i++ {
		e.OnTick(1)
	}

	offs := 0
	for _, ev := range vs.Events {
		if ev.Kind == "note_off" {
			offs++
		}
	}
	if offs != 1 {
		t.Errorf("note_off count after replace = %d, want 1", offs)
	}
}

// Under an external clock at ppq=96, the tick adapter multiplies by
// ppq/24=4 ticks per pulse. A one-bar kick-only pattern ticked across
// exactly one bar of pulses must fire exactly one note_on.
func TestDrumKitUnderExternalClockRatio(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "drums", MidiChannel: 9,
				Pattern: docmodel.Pattern{LengthBars: 1},
				DrumKit: &docmodel.DrumKit{
					Patterns: []docmodel.DrumPattern{
						{Bar: 1, Key: "kick", Pattern: "x..............."},
					},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()

	ratio := ppqRatio(doc.Meta.PPQ)
	barTicks := e.StepTicks() * doc.Meta.StepsPerBar
	pulses := barTicks / ratio

	for i := 0; i < pulses; i++ {
		e.OnTick(ratio)
	}

	ons := 0
	for _, ev := range vs.Events {
		if ev.Kind == "note_on" {
			ons++
		}
	}
	if ons != 1 {
		t.Errorf("note_on count over one bar = %d, want 1", ons)
	}
}

func ppqRatio(ppq int) int {
	r := ppq / 24
	if r < 1 {
		r = 1
	}
	return r
}

// A ratchet whose segment length isn't a multiple of the external clock's
// pulse-to-tick ratio must still fire every repetition: OnTick(n) has to
// walk each of the n intermediate ticks, not just land on the final one,
// or repetitions scheduled on a skipped tick are silently dropped.
func TestRatchetFiresOnNonRatioAlignedTicks(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	pitch := 60
	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "t1", MidiChannel: 0,
				Pattern: docmodel.Pattern{
					LengthBars: 1,
					Steps: []docmodel.Step{
						{Idx: 0, Events: []docmodel.Event{
							{Pitch: &pitch, Velocity: 100, LengthSteps: 1, Ratchet: 7},
						}},
					},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()
	e.OnTick(0) // DoPlay's immediate re-run at tick 0, catching the r=0 repetition

	// step_ticks = 96*4/16 = 24; base_len = 24; seg = 24/7 = 3 (integer
	// division), so repetitions land at tick 0,3,6,9,12,15,18 — none of
	// which but the first are multiples of the external ratio (4).
	ratio := ppqRatio(doc.Meta.PPQ)
	for i := 0; i < 8; i++ {
		e.OnTick(ratio)
	}

	ons := 0
	for _, ev := range vs.Events {
		if ev.Kind == "note_on" {
			ons++
		}
	}
	if ons != 7 {
		t.Errorf("note_on count for ratchet=7 = %d, want 7", ons)
	}
}

// A microshift offset that doesn't land on a multiple of the external
// ratio must still fire, for the same reason as ratchet repetitions above.
func TestMicroshiftFiresOnNonRatioAlignedTick(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	pitch := 62
	// At 120bpm, ppq=96: ticks per ms = 96*120/60000 = 0.192. A 10ms shift
	// rounds to round(1.92) = 2 ticks — not a multiple of ratio=4.
	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "t1", MidiChannel: 0,
				Pattern: docmodel.Pattern{
					LengthBars: 1,
					Steps: []docmodel.Step{
						{Idx: 0, Events: []docmodel.Event{
							{Pitch: &pitch, Velocity: 100, LengthSteps: 1, MicroshiftMs: 10},
						}},
					},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()
	e.OnTick(0) // DoPlay's immediate re-run at tick 0

	ratio := ppqRatio(doc.Meta.PPQ)
	for i := 0; i < 4; i++ {
		e.OnTick(ratio)
	}

	ons := 0
	for _, ev := range vs.Events {
		if ev.Kind == "note_on" && ev.Pitch == 62 {
			ons++
		}
	}
	if ons != 1 {
		t.Errorf("note_on count for microshifted event = %d, want 1", ons)
	}
}

// A ramp-mode CC lane ramping from 0 to 127 with a linear curve across a
// bar must be monotonically non-decreasing at each checked tick.
func TestCCLaneEasingMonotonic(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	e.Load(&docmodel.LoopDoc{Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16}})
	barTicks := e.StepTicks() * 16
	zero, almostEnd := 0, barTicks-1

	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "t1", MidiChannel: 0,
				Pattern: docmodel.Pattern{LengthBars: 1},
				CcLanes: []docmodel.CcLane{
					{
						ID: "lane1", Dest: "7", Mode: "ramp",
						Points: []docmodel.CcPoint{
							{T: docmodel.CcTime{Ticks: &zero}, V: 0, Curve: "linear"},
							{T: docmodel.CcTime{Ticks: &almostEnd}, V: 127, Curve: "linear"},
						},
					},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()

	last := -1
	for i := 0; i < almostEnd; i += e.StepTicks() {
		e.SetTick(i)
		e.OnTick(0)
		snap := e.GetCCSnapshot()
		v, ok := snap[0][7]
		if !ok {
			continue
		}
		if v < last {
			t.Fatalf("CC value decreased at tick %d: %d < %d", i, v, last)
		}
		last = v
	}
}

// A square-shaped LFO evaluated across one full cycle must read exactly two
// distinct output levels, matching a pulse/square wave.
func TestLFOSquareShapeTwoLevels(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "t1", MidiChannel: 0,
				Pattern: docmodel.Pattern{LengthBars: 1},
				Lfos: []docmodel.Lfo{
					{ID: "l1", Dest: "7", Depth: 127, Shape: "square", Rate: docmodel.LfoRate{Sync: "1/4"}},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()

	barTicks := e.StepTicks() * 16
	levels := map[int]bool{}
	for i := 0; i < barTicks; i += e.StepTicks() / 4 {
		if e.StepTicks()/4 == 0 {
			break
		}
		e.SetTick(i)
		e.OnTick(0)
		for _, s := range e.GetLFOSnapshot() {
			if s.Active {
				levels[s.Value] = true
			}
		}
	}
	if len(levels) != 2 {
		t.Errorf("square LFO produced %d distinct levels, want 2: %v", len(levels), levels)
	}
}

func TestStopFlushesActiveNotesAndPanics(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{})
	e.Load(singleNoteDoc(96, 16))
	e.Start()
	e.OnTick(0) // sounds the step-0 note so Stop has an active note to flush

	e.Stop()

	panicked := false
	for _, ev := range vs.Events {
		if ev.Kind == "panic" {
			panicked = true
		}
	}
	if !panicked {
		t.Error("Stop() did not invoke sink.Panic()")
	}
	if snap := e.GetActiveNotesSnapshot(); len(snap) != 0 {
		t.Errorf("active notes not cleared after Stop(): %v", snap)
	}
}

func TestCCRateLimitShedsExcess(t *testing.T) {
	vs := sink.NewVirtualSink()
	e := New(vs, Limits{CCPerTickGlobal: 1, CCPerTickTrack: 1})
	one := 1
	doc := &docmodel.LoopDoc{
		Meta: docmodel.Meta{Tempo: 120, PPQ: 96, StepsPerBar: 16},
		Tracks: []docmodel.Track{
			{
				ID: "t1", MidiChannel: 0,
				Pattern: docmodel.Pattern{LengthBars: 1},
				CcLanes: []docmodel.CcLane{
					{ID: "l1", Dest: "7", Mode: "hold", Points: []docmodel.CcPoint{{T: docmodel.CcTime{Ticks: &one}, V: 10}}},
					{ID: "l2", Dest: "8", Mode: "hold", Points: []docmodel.CcPoint{{T: docmodel.CcTime{Ticks: &one}, V: 20}}},
				},
			},
		},
	}
	e.Load(doc)
	e.Start()
	e.OnTick(1)

	m := e.GetMetrics()
	if m.ShedCC == 0 {
		t.Error("expected at least one shed_cc under a budget of 1")
	}
}
