// Package docmodel defines the loop document: tracks, steps, controller
// lanes, and LFOs that internal/engine schedules in real time.
package docmodel

import "encoding/json"

// Dest is a CC-lane/LFO destination: a bare MIDI control number (written as
// either a raw JSON number or a numeric string), "cc:<n>", or "name:<id>".
// Stored internally as its decimal/string form so ResolveDest's parsing
// stays uniform regardless of which JSON shape the document used.
type Dest string

func (d *Dest) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Dest(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Dest(n.String())
	return nil
}

func (d Dest) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(d))
}

// LoopDoc is the top-level, immutable-by-replacement loop document.
type LoopDoc struct {
	Version        string         `json:"version"`
	DocVersion     int            `json:"docVersion"`
	Meta           Meta           `json:"meta"`
	DeviceProfile  DeviceProfile  `json:"deviceProfile"`
	Tracks         []Track        `json:"tracks"`
}

type Meta struct {
	Tempo        float64 `json:"tempo"`
	PPQ          int     `json:"ppq"`
	StepsPerBar  int     `json:"stepsPerBar"`
	Key          string  `json:"key,omitempty"`
	Mode         string  `json:"mode,omitempty"`
}

type DeviceProfile struct {
	DrumMap map[string]int `json:"drumMap,omitempty"`
}

type Track struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	MidiChannel int       `json:"midiChannel"`
	Pattern     Pattern   `json:"pattern"`
	DrumKit     *DrumKit  `json:"drumKit,omitempty"`
	CcLanes     []CcLane  `json:"ccLanes,omitempty"`
	Lfos        []Lfo     `json:"lfos,omitempty"`
}

type Pattern struct {
	LengthBars int    `json:"lengthBars"`
	Steps      []Step `json:"steps"`
}

type Step struct {
	Idx    int     `json:"idx"`
	Events []Event `json:"events"`
}

// Event carries exactly one of Pitch, Degree, or Chord as its note source.
type Event struct {
	Pitch         *int    `json:"pitch,omitempty"`
	Degree        *int    `json:"degree,omitempty"`
	OctaveOffset  int     `json:"octaveOffset,omitempty"`
	Chord         string  `json:"chord,omitempty"`
	Velocity      int     `json:"velocity"`
	LengthSteps   int     `json:"lengthSteps"`
	Gate          float64 `json:"gate,omitempty"`
	Prob          float64 `json:"prob,omitempty"`
	Ratchet       int     `json:"ratchet,omitempty"`
	MicroshiftMs  int     `json:"microshiftMs,omitempty"`
	Register      []string `json:"register,omitempty"`
}

// GateOrDefault returns the configured gate, defaulting to 1 (full length).
func (e Event) GateOrDefault() float64 {
	if e.Gate <= 0 {
		return 1
	}
	return e.Gate
}

// ProbOrDefault returns the configured probability, defaulting to 1 (always).
func (e Event) ProbOrDefault() float64 {
	if e.Prob == 0 {
		return 1
	}
	return e.Prob
}

// RatchetOrDefault returns the configured ratchet count, defaulting to 1.
func (e Event) RatchetOrDefault() int {
	if e.Ratchet <= 0 {
		return 1
	}
	return e.Ratchet
}

type DrumKit struct {
	Patterns     []DrumPattern `json:"patterns"`
	RepeatBars   int           `json:"repeatBars,omitempty"`
	LengthSteps  int           `json:"lengthSteps,omitempty"`
}

type DrumPattern struct {
	Bar         int    `json:"bar"`
	Key         string `json:"key"`
	Pattern     string `json:"pattern"`
	Vel         int    `json:"vel,omitempty"`
	LengthSteps int    `json:"lengthSteps,omitempty"`
}

type CcLane struct {
	ID      string     `json:"id"`
	Dest    Dest       `json:"dest"`
	Mode    string     `json:"mode"`
	Channel *int       `json:"channel,omitempty"`
	Range   []int      `json:"range,omitempty"`
	Points  []CcPoint  `json:"points"`
}

type CcPoint struct {
	T     CcTime `json:"t"`
	V     int    `json:"v"`
	Curve string `json:"curve,omitempty"`
}

// CcTime is either {ticks} or {bar, step}; Ticks == nil means bar/step form.
type CcTime struct {
	Ticks *int `json:"ticks,omitempty"`
	Bar   int  `json:"bar,omitempty"`
	Step  int  `json:"step,omitempty"`
}

type Lfo struct {
	ID      string     `json:"id"`
	Dest    Dest       `json:"dest"`
	Depth   int        `json:"depth"`
	Rate    LfoRate    `json:"rate"`
	Shape   string     `json:"shape"`
	Channel *int       `json:"channel,omitempty"`
	Offset  *int       `json:"offset,omitempty"`
	Phase   float64    `json:"phase,omitempty"`
	FadeMs  int        `json:"fadeMs,omitempty"`
	On      []LfoWindow `json:"on,omitempty"`
}

type LfoRate struct {
	Sync string  `json:"sync,omitempty"`
	Hz   float64 `json:"hz,omitempty"`
}

type LfoWindow struct {
	From CcTime `json:"from"`
	To   CcTime `json:"to"`
}

// OffsetOrDefault returns the configured LFO center offset, defaulting to 64.
func (l Lfo) OffsetOrDefault() int {
	if l.Offset == nil {
		return 64
	}
	return *l.Offset
}
