package clock

import (
	"sync"
	"time"
)

// Transport is the engine-facing surface an ExternalClock drives. Only the
// clock's tick driver may call these, per the tick-driver invariant.
type Transport interface {
	Ticker
	Start()
	Continue()
	Stop()
	SetTick(tick int)
}

// ExternalClock is not a timer: it reacts to MIDI transport/clock events
// delivered by an input adapter, deriving a smoothed BPM estimate and
// advancing the engine by ppq/24 ticks per observed pulse. Mirrors
// clock.py's ExternalClock plus conductor_server.py's on_input dispatch.
type ExternalClock struct {
	mu sync.Mutex

	transport Transport
	ppq       int
	ppqRatio  int

	emaIntervalS  float64
	haveEma       bool
	lastPulseTime time.Time

	playing        bool
	lastSPPTime    time.Time
	haveSPP        bool
	attachOnSPP    bool // config switch for the "continue inferred from recent SPP" heuristic
}

const emaAlpha = 0.15

// ExternalClockOption configures optional heuristics.
type ExternalClockOption func(*ExternalClock)

// WithAttachMidPlay enables inferring a play transition from a clock pulse
// arriving shortly (within 1s) after a song-position-pointer, when no
// explicit start/continue has been seen. Off by default: this is a
// heuristic that must be explicitly opted into.
func WithAttachMidPlay() ExternalClockOption {
	return func(c *ExternalClock) { c.attachOnSPP = true }
}

// NewExternalClock builds an external clock for the given transport and
// ppq (engine tick resolution); ppqRatio = max(1, ppq/24).
func NewExternalClock(transport Transport, ppq int, opts ...ExternalClockOption) *ExternalClock {
	ratio := ppq / 24
	if ratio < 1 {
		ratio = 1
	}
	c := &ExternalClock{transport: transport, ppq: ppq, ppqRatio: ratio}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStart resets the playhead to 0 and transitions to playing.
func (c *ExternalClock) OnStart() {
	c.mu.Lock()
	c.playing = true
	c.mu.Unlock()
	c.transport.SetTick(0)
	c.transport.Start()
}

// OnContinue transitions to playing without resetting tick.
func (c *ExternalClock) OnContinue() {
	c.mu.Lock()
	c.playing = true
	c.mu.Unlock()
	c.transport.Continue()
}

// OnStop transitions to stopped.
func (c *ExternalClock) OnStop() {
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
	c.transport.Stop()
}

// OnSongPositionPointer sets tick = p*(ppq/4), p given in 1/16-note units.
func (c *ExternalClock) OnSongPositionPointer(p int) {
	c.mu.Lock()
	c.lastSPPTime = time.Now()
	c.haveSPP = true
	c.mu.Unlock()
	c.transport.SetTick(p * (c.ppq / 4))
}

// OnClockPulse handles one 24-PPQN timing-clock pulse: updates the EMA
// interval estimate, applies the attach-mid-play heuristic if enabled,
// and — if playing — advances the engine by ppqRatio ticks.
func (c *ExternalClock) OnClockPulse() {
	now := time.Now()

	c.mu.Lock()
	if !c.lastPulseTime.IsZero() {
		dt := now.Sub(c.lastPulseTime).Seconds()
		if c.haveEma {
			c.emaIntervalS = emaAlpha*dt + (1-emaAlpha)*c.emaIntervalS
		} else {
			c.emaIntervalS = dt
			c.haveEma = true
		}
	}
	c.lastPulseTime = now

	shouldAttach := false
	if !c.playing && c.attachOnSPP && c.haveSPP && now.Sub(c.lastSPPTime) <= time.Second {
		c.playing = true
		shouldAttach = true
	}
	playing := c.playing
	c.mu.Unlock()

	if shouldAttach {
		c.transport.Continue()
	}
	if playing {
		c.transport.OnTick(c.ppqRatio)
	}
}

// BPM returns the current EMA-derived tempo estimate, or 0 if no pulses
// have been observed yet.
func (c *ExternalClock) BPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveEma || c.emaIntervalS <= 0 {
		return 0
	}
	return 60.0 / (c.emaIntervalS * 24)
}

// Playing reports whether the clock currently believes transport is rolling.
func (c *ExternalClock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}
