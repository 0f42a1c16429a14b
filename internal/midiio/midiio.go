// Package midiio wraps gitlab.com/gomidi/midi/v2 port enumeration, output
// sending, and realtime input listening, the way iltempo-interplay's midi
// package wraps the same library for a single output port.
package midiio

import (
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // auto-register RtMIDI driver
)

// Output is an open MIDI output port.
type Output struct {
	port drivers.Out
	send func(msg midi.Message) error
}

// ListOutPorts returns the available MIDI output port names.
func ListOutPorts() []string {
	ports := midi.GetOutPorts()
	names := make([]string, len(ports))
	for i, port := range ports {
		names[i] = port.String()
	}
	return names
}

// ListInPorts returns the available MIDI input port names.
func ListInPorts() []string {
	ports := midi.GetInPorts()
	names := make([]string, len(ports))
	for i, port := range ports {
		names[i] = port.String()
	}
	return names
}

// OpenOutput opens a MIDI output port by index.
func OpenOutput(portIndex int) (*Output, error) {
	port, err := midi.OutPort(portIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get MIDI out port %d: %w", portIndex, err)
	}
	send, err := midi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	return &Output{port: port, send: send}, nil
}

// Close closes the output port.
func (o *Output) Close() error {
	return o.port.Close()
}

// NoteOn sends a Note On message. channel is 0-15, note and velocity 0-127.
func (o *Output) NoteOn(channel, note, velocity uint8) error {
	return o.send(midi.NoteOn(channel, note, velocity))
}

// NoteOff sends a Note Off message.
func (o *Output) NoteOff(channel, note uint8) error {
	return o.send(midi.NoteOff(channel, note))
}

// ControlChange sends a Control Change message.
func (o *Output) ControlChange(channel, control, value uint8) error {
	return o.send(midi.ControlChange(channel, control, value))
}

// RealtimeMessage is a decoded MIDI realtime/transport message observed on
// an input port: Start, Continue, Stop, Clock (a single 24-PPQN pulse), or
// SongPositionPointer carrying its 14-bit beats value.
type RealtimeMessage struct {
	Kind    RealtimeKind
	SongPos uint16
}

type RealtimeKind int

const (
	KindStart RealtimeKind = iota
	KindContinue
	KindStop
	KindClock
	KindSongPosition
)

// Input is an open MIDI input port delivering realtime/transport messages
// to a handler via midi.ListenTo, the way external clock sync listens for
// Start/Continue/Stop/Clock/SongPositionPointer from a hardware transport.
type Input struct {
	port  drivers.In
	stopF func()
}

// OpenInput opens a MIDI input port by index and begins delivering realtime
// messages to handler until the returned Input is closed.
func OpenInput(portIndex int, handler func(RealtimeMessage)) (*Input, error) {
	port, err := midi.InPort(portIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get MIDI in port %d: %w", portIndex, err)
	}
	stopF, err := midi.ListenTo(port, func(msg midi.Message, _ int32) {
		deliverRealtime(msg.Bytes(), handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on MIDI in port %d: %w", portIndex, err)
	}
	return &Input{port: port, stopF: stopF}, nil
}

// Close stops listening and closes the input port.
func (in *Input) Close() error {
	if in.stopF != nil {
		in.stopF()
	}
	return in.port.Close()
}

// OpenInputRetrying opens a MIDI input port, retrying every interval until
// it succeeds or stop is closed — a detached device must not wedge the
// control surface.
func OpenInputRetrying(portIndex int, handler func(RealtimeMessage), interval time.Duration, stop <-chan struct{}) (*Input, error) {
	for {
		in, err := OpenInput(portIndex, handler)
		if err == nil {
			return in, nil
		}
		select {
		case <-stop:
			return nil, err
		case <-time.After(interval):
		}
	}
}

// System realtime and system common status bytes, per the MIDI 1.0 spec.
const (
	statusTimingClock       = 0xF8
	statusStart             = 0xFA
	statusContinue          = 0xFB
	statusStop              = 0xFC
	statusSongPositionPtr   = 0xF2
)

func deliverRealtime(raw []byte, handler func(RealtimeMessage)) {
	if len(raw) == 0 {
		return
	}
	switch raw[0] {
	case statusTimingClock:
		handler(RealtimeMessage{Kind: KindClock})
	case statusStart:
		handler(RealtimeMessage{Kind: KindStart})
	case statusContinue:
		handler(RealtimeMessage{Kind: KindContinue})
	case statusStop:
		handler(RealtimeMessage{Kind: KindStop})
	case statusSongPositionPtr:
		if len(raw) >= 3 {
			pos := uint16(raw[1]) | uint16(raw[2])<<7
			handler(RealtimeMessage{Kind: KindSongPosition, SongPos: pos})
		}
	}
}
