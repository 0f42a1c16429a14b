package docmodel

import "fmt"

// ValidationError names the JSON-pointer path of the offending field.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs structural bounds checks on a loaded document. It is a
// sanity check only, not a full semantic schema validator.
func Validate(doc *LoopDoc) []ValidationError {
	var errs []ValidationError
	add := func(path, msg string) {
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}

	if doc.Meta.PPQ < 1 {
		add("/meta/ppq", "ppq must be >= 1")
	}
	if doc.Meta.StepsPerBar < 1 {
		add("/meta/stepsPerBar", "stepsPerBar must be >= 1")
	}
	if doc.Meta.Mode != "" && doc.Meta.Mode != "major" && doc.Meta.Mode != "minor" {
		add("/meta/mode", "mode must be major or minor")
	}
	for k, v := range doc.DeviceProfile.DrumMap {
		if v < 0 || v > 127 {
			add(fmt.Sprintf("/deviceProfile/drumMap/%s", k), "pitch must be 0..127")
		}
	}

	seen := map[string]bool{}
	for ti, tr := range doc.Tracks {
		trackPath := fmt.Sprintf("/tracks/%d", ti)
		if tr.ID == "" {
			add(trackPath+"/id", "id must not be empty")
		} else if seen[tr.ID] {
			add(trackPath+"/id", "duplicate track id")
		}
		seen[tr.ID] = true
		if tr.MidiChannel < 0 || tr.MidiChannel > 15 {
			add(trackPath+"/midiChannel", "channel must be 0..15")
		}
		if tr.Pattern.LengthBars < 1 {
			add(trackPath+"/pattern/lengthBars", "lengthBars must be >= 1")
		}
		for si, st := range tr.Pattern.Steps {
			stepPath := fmt.Sprintf("%s/pattern/steps/%d", trackPath, si)
			if st.Idx < 0 {
				add(stepPath+"/idx", "idx must be >= 0")
			}
			for ei, ev := range st.Events {
				evPath := fmt.Sprintf("%s/events/%d", stepPath, ei)
				validateEvent(ev, evPath, add)
			}
		}
		if tr.DrumKit != nil {
			for pi, p := range tr.DrumKit.Patterns {
				pPath := fmt.Sprintf("%s/drumKit/patterns/%d", trackPath, pi)
				if p.Bar < 1 {
					add(pPath+"/bar", "bar must be >= 1")
				}
				for _, c := range p.Pattern {
					if c != '.' && c != 'x' && c != '-' {
						add(pPath+"/pattern", "pattern must contain only '.', 'x', '-'")
						break
					}
				}
			}
		}
		for li, lane := range tr.CcLanes {
			lPath := fmt.Sprintf("%s/ccLanes/%d", trackPath, li)
			if lane.Mode != "points" && lane.Mode != "hold" && lane.Mode != "ramp" {
				add(lPath+"/mode", "mode must be points, hold, or ramp")
			}
			if len(lane.Range) == 2 {
				if lane.Range[0] < 0 || lane.Range[0] > 127 || lane.Range[1] < 0 || lane.Range[1] > 127 {
					add(lPath+"/range", "range must be within 0..127")
				}
			}
			for pi, pt := range lane.Points {
				if pt.V < 0 || pt.V > 127 {
					add(fmt.Sprintf("%s/points/%d/v", lPath, pi), "v must be 0..127")
				}
			}
		}
		for fi, lfo := range tr.Lfos {
			fPath := fmt.Sprintf("%s/lfos/%d", trackPath, fi)
			if lfo.Depth < 0 || lfo.Depth > 127 {
				add(fPath+"/depth", "depth must be 0..127")
			}
			if lfo.Rate.Hz <= 0 && lfo.Rate.Sync == "" {
				add(fPath+"/rate", "rate requires hz>0 or sync")
			}
		}
	}
	return errs
}

func validateEvent(ev Event, path string, add func(string, string)) {
	set := 0
	if ev.Pitch != nil {
		set++
		if *ev.Pitch < 0 || *ev.Pitch > 127 {
			add(path+"/pitch", "pitch must be 0..127")
		}
	}
	if ev.Degree != nil {
		set++
		if *ev.Degree < 1 || *ev.Degree > 7 {
			add(path+"/degree", "degree must be 1..7")
		}
	}
	if ev.Chord != "" {
		set++
	}
	if set != 1 {
		add(path, "exactly one of pitch, degree, chord must be set")
	}
	if ev.Velocity < 1 || ev.Velocity > 127 {
		add(path+"/velocity", "velocity must be 1..127")
	}
	if ev.LengthSteps < 1 {
		add(path+"/lengthSteps", "lengthSteps must be >= 1")
	}
	if ev.Gate != 0 && (ev.Gate <= 0 || ev.Gate > 1) {
		add(path+"/gate", "gate must be in (0,1]")
	}
	if ev.Prob != 0 && (ev.Prob < 0 || ev.Prob > 1) {
		add(path+"/prob", "prob must be 0..1")
	}
	if ev.Ratchet != 0 && (ev.Ratchet < 1 || ev.Ratchet > 8) {
		add(path+"/ratchet", "ratchet must be 1..8")
	}
}
