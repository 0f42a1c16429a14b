// Package sink defines the engine's output boundary: the Sink interface
// the scheduling engine drives, an internal/midiio-backed implementation,
// and a recording VirtualSink for tests, mirroring
// original_source/conductor/midi_out.py's CoreSink/MidoSink split.
package sink

import (
	"fmt"

	"github.com/iltempo/conductor/internal/midiio"
)

// Sink is the output boundary the engine drives each tick. Implementations
// must not block for longer than a tick period allows.
type Sink interface {
	NoteOn(channel, pitch, velocity int) error
	NoteOff(channel, pitch int) error
	ControlChange(channel, control, value int) error
	Panic() error
}

// MIDISink sends engine output to a real MIDI output port.
type MIDISink struct {
	out *midiio.Output
}

// NewMIDISink wraps an already-open output port.
func NewMIDISink(out *midiio.Output) *MIDISink {
	return &MIDISink{out: out}
}

func (s *MIDISink) NoteOn(channel, pitch, velocity int) error {
	return s.out.NoteOn(uint8(channel), uint8(pitch), uint8(velocity))
}

func (s *MIDISink) NoteOff(channel, pitch int) error {
	return s.out.NoteOff(uint8(channel), uint8(pitch))
}

func (s *MIDISink) ControlChange(channel, control, value int) error {
	if value < 0 {
		value = 0
	}
	if value > 127 {
		value = 127
	}
	return s.out.ControlChange(uint8(channel), uint8(control), uint8(value))
}

// Panic sends sustain-off (CC64=0), all-sound-off (CC120=0), and
// all-notes-off (CC123=0) on every channel, the multi-CC analogue of
// MidoSink.panic's all-notes-off sweep.
func (s *MIDISink) Panic() error {
	var firstErr error
	for ch := 0; ch < 16; ch++ {
		for _, cc := range [...]int{64, 120, 123} {
			if err := s.ControlChange(ch, cc, 0); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("panic cc%d ch%d: %w", cc, ch, err)
			}
		}
	}
	return firstErr
}

// Event is one recorded call into a VirtualSink, in call order.
type Event struct {
	Kind    string // "note_on", "note_off", "cc", "panic"
	Channel int
	Pitch   int // note_on/note_off
	Control int // cc
	Value   int // note_on velocity, or cc value
}

// VirtualSink records every call it receives, in order, for test assertions
// — the Go analogue of midi_engine.py's VirtualSink.
type VirtualSink struct {
	Events []Event
}

func NewVirtualSink() *VirtualSink {
	return &VirtualSink{}
}

func (v *VirtualSink) NoteOn(channel, pitch, velocity int) error {
	v.Events = append(v.Events, Event{Kind: "note_on", Channel: channel, Pitch: pitch, Value: velocity})
	return nil
}

func (v *VirtualSink) NoteOff(channel, pitch int) error {
	v.Events = append(v.Events, Event{Kind: "note_off", Channel: channel, Pitch: pitch})
	return nil
}

func (v *VirtualSink) ControlChange(channel, control, value int) error {
	v.Events = append(v.Events, Event{Kind: "cc", Channel: channel, Control: control, Value: value})
	return nil
}

func (v *VirtualSink) Panic() error {
	v.Events = append(v.Events, Event{Kind: "panic"})
	return nil
}
