package docmodel

import (
	"strconv"
	"strings"
)

// DefaultDrumMap is the built-in drum-key -> MIDI pitch table. A document's
// deviceProfile.drumMap overlays onto (never replaces) this table.
var DefaultDrumMap = map[string]int{
	"kick":       53,
	"kick_alt":   54,
	"snare":      55,
	"snare_alt":  56,
	"rim":        57,
	"clap":       58,
	"tambourine": 59,
	"shaker":     60,
	"closed_hat": 61,
	"open_hat":   62,
	"pedal_hat":  63,
	"low_tom":    65,
	"crash":      66,
	"mid_tom":    67,
	"ride":       68,
	"high_tom":   69,
	"conga_low":  71,
	"conga_high": 72,
	"cowbell":    73,
	"guiro":      74,
	"metal":      75,
	"chi":        76,
}

// DrumKeyAliases maps short pattern keys to their canonical drum-map key.
var DrumKeyAliases = map[string]string{
	"ch": "closed_hat",
	"hh": "closed_hat",
	"oh": "open_hat",
	"lt": "low_tom",
	"mt": "mid_tom",
	"ht": "high_tom",
}

// MergedDrumMap overlays a document's deviceProfile.drumMap onto the default.
func MergedDrumMap(overrides map[string]int) map[string]int {
	merged := make(map[string]int, len(DefaultDrumMap)+len(overrides))
	for k, v := range DefaultDrumMap {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// ResolveDrumKey canonicalizes a drum pattern's key through the alias table.
func ResolveDrumKey(key string) string {
	if canon, ok := DrumKeyAliases[key]; ok {
		return canon
	}
	return key
}

// NameCC is the closed name -> CC-number table for dest:"name:<id>".
var NameCC = map[string]int{
	"track_volume":       7,
	"track_mute":         9,
	"track_pan":          10,
	"param1":             12,
	"param2":             13,
	"param3":             14,
	"param4":             15,
	"amp_attack":         20,
	"amp_decay":          21,
	"amp_sustain":        22,
	"amp_release":        23,
	"filter_attack":      24,
	"filter_decay":       25,
	"filter_sustain":     26,
	"filter_release":     27,
	"voice_mode":         28,
	"portamento":         29,
	"pitchbend_amount":   30,
	"engine_volume":      31,
	"cutoff":             32,
	"resonance":          33,
	"env_amount":         34,
	"key_tracking":       35,
	"send_ext":           36,
	"send_tape":          37,
	"send_fx1":           38,
	"send_fx2":           39,
	"lfo_dest":           40,
	"lfo_param":          41,
}

// MajorScale and MinorScale are semitone offsets for scale-degree resolution.
var (
	MajorScale = [7]int{0, 2, 4, 5, 7, 9, 11}
	MinorScale = [7]int{0, 2, 3, 5, 7, 8, 10}
)

// ScaleFor returns the diatonic scale for a mode string ("major"/"minor").
func ScaleFor(mode string) [7]int {
	if mode == "minor" {
		return MinorScale
	}
	return MajorScale
}

// ResolveDest resolves a lane/LFO "dest" (a bare integer, "cc:<n>", or
// "name:<id>") to a MIDI CC number. Unknown names return ok=false so
// callers can silently drop the lane.
func ResolveDest(d Dest) (control int, ok bool) {
	dest := strings.TrimSpace(string(d))
	switch {
	case strings.HasPrefix(dest, "cc:"):
		n, err := strconv.Atoi(dest[3:])
		if err != nil {
			return 0, false
		}
		return n, true
	case strings.HasPrefix(dest, "name:"):
		c, found := NameCC[dest[5:]]
		return c, found
	default:
		n, err := strconv.Atoi(dest)
		if err != nil {
			return 0, false
		}
		return n, true
	}
}
