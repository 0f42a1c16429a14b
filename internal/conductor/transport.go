package conductor

import (
	"fmt"
	"time"

	"github.com/iltempo/conductor/internal/clock"
	"github.com/iltempo/conductor/internal/midiio"
)

const externalInputRetryInterval = 1500 * time.Millisecond

// DoPlay starts the engine and immediately re-runs on_tick at the current
// position so events due exactly at tick 0 are not missed.
func (c *Conductor) DoPlay() {
	c.eng.Start()
	c.eng.OnTick(0)
}

// DoContinue resumes playback without resetting the tick.
func (c *Conductor) DoContinue() {
	c.eng.Continue()
	c.eng.OnTick(0)
}

// DoStop halts playback; the engine drains active notes via panic.
func (c *Conductor) DoStop() {
	c.eng.Stop()
}

// DoSetTempo updates the internal clock's tempo. Under an external clock
// source, which derives its own tempo from observed pulses, it changes
// nothing and returns an error.
func (c *Conductor) DoSetTempo(bpm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clockSource != ClockInternal {
		return fmt.Errorf("setTempo is internal-clock only")
	}
	c.bpm = bpm
	c.internalClock.SetBPM(bpm)
	return nil
}

// tempoCCValue computes the CC80 nudge value for a given bpm:
// round((clamp(bpm,40,220)-40)/180*127).
func tempoCCValue(bpm float64) int {
	if bpm < 40 {
		bpm = 40
	}
	if bpm > 220 {
		bpm = 220
	}
	v := int((bpm-40)/180*127 + 0.5)
	if v < 0 {
		v = 0
	}
	if v > 127 {
		v = 127
	}
	return v
}

// DoSetTempoCC sends a CC80 tempo nudge on channel 0. It never sends MIDI
// realtime Clock — the device stays its own master; this is a nudge, not
// a handoff of transport.
func (c *Conductor) DoSetTempoCC(bpm float64) error {
	return c.snk.ControlChange(0, 80, tempoCCValue(bpm))
}

// DoSetClockSource tears down the current clock/input and instantiates the
// other; the previous clock is always stopped before the new one starts.
func (c *Conductor) DoSetClockSource(src ClockSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src == c.clockSource {
		return nil
	}

	switch c.clockSource {
	case ClockInternal:
		if c.internalClock != nil {
			c.internalClock.Stop()
		}
	case ClockExternal:
		c.teardownExternalLocked()
	}

	switch src {
	case ClockInternal:
		c.internalClock = clock.NewInternalClock(tickAdapter{c}, c.bpm, c.doc.Meta.PPQ)
		c.internalClock.Start()
		c.clockSource = ClockInternal
	case ClockExternal:
		var opts []clock.ExternalClockOption
		if c.attachMidPlay {
			opts = append(opts, clock.WithAttachMidPlay())
		}
		c.externalClock = clock.NewExternalClock(tickAdapter{c}, c.doc.Meta.PPQ, opts...)
		c.stopRetry = make(chan struct{})
		in, err := midiio.OpenInputRetrying(c.midiInPort, c.handleRealtime, externalInputRetryInterval, c.stopRetry)
		if err != nil {
			return fmt.Errorf("failed to open external clock input: %w", err)
		}
		c.midiIn = in
		c.clockSource = ClockExternal
	default:
		return fmt.Errorf("unknown clock source %q", src)
	}
	return nil
}

func (c *Conductor) teardownExternalLocked() {
	if c.stopRetry != nil {
		close(c.stopRetry)
		c.stopRetry = nil
	}
	if c.midiIn != nil {
		c.midiIn.Close()
		c.midiIn = nil
	}
	c.externalClock = nil
}

func (c *Conductor) handleRealtime(msg midiio.RealtimeMessage) {
	c.mu.Lock()
	ext := c.externalClock
	c.mu.Unlock()
	if ext == nil {
		return
	}
	switch msg.Kind {
	case midiio.KindStart:
		ext.OnStart()
	case midiio.KindContinue:
		ext.OnContinue()
	case midiio.KindStop:
		ext.OnStop()
	case midiio.KindClock:
		ext.OnClockPulse()
	case midiio.KindSongPosition:
		ext.OnSongPositionPointer(int(msg.SongPos))
	}
}

// Stop tears down whichever clock is active and stops the engine's own
// output, used at process shutdown.
func (c *Conductor) Stop() {
	c.mu.Lock()
	source := c.clockSource
	c.mu.Unlock()

	switch source {
	case ClockInternal:
		if c.internalClock != nil {
			c.internalClock.Stop()
		}
	case ClockExternal:
		c.mu.Lock()
		c.teardownExternalLocked()
		c.mu.Unlock()
	}
	c.eng.Stop()
}
