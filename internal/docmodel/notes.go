package docmodel

import (
	"fmt"
	"strconv"
	"strings"
)

var pitchClasses = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// NoteNameToMIDI parses a note name like "C4" or "G#3" (C4 == 60).
// Mirrors original_source/conductor/midi_engine.py's _note_name_to_midi.
func NoteNameToMIDI(name string) (int, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return 0, fmt.Errorf("invalid note name: %s", name)
	}
	letter := byte(strings.ToUpper(name[:1])[0])
	pc, ok := pitchClasses[letter]
	if !ok {
		return 0, fmt.Errorf("invalid note name: %s", name)
	}
	i := 1
	accidental := 0
	if i < len(name) && (name[i] == '#' || name[i] == 'b') {
		if name[i] == '#' {
			accidental = 1
		} else {
			accidental = -1
		}
		i++
	}
	octave, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0, fmt.Errorf("invalid note name: %s", name)
	}
	midi := 12*(octave+1) + pc + accidental
	if midi < 0 || midi > 127 {
		return 0, fmt.Errorf("note out of range: %s", name)
	}
	return midi, nil
}

// KeyToPitchClass resolves a key letter (optionally with accidental) to 0..11.
func KeyToPitchClass(key string) (int, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, false
	}
	letter := byte(strings.ToUpper(key[:1])[0])
	pc, ok := pitchClasses[letter]
	if !ok {
		return 0, false
	}
	accidental := 0
	if len(key) >= 2 && (key[1] == '#' || key[1] == 'b') {
		if key[1] == '#' {
			accidental = 1
		} else {
			accidental = -1
		}
	}
	return ((pc + accidental) % 12 + 12) % 12, true
}

// DegreeToPitch resolves a 1..7 scale degree (+octaveOffset) against key/mode.
// Root octave is 3 (C3 == MIDI 48), matching _degree_to_pitch.
func DegreeToPitch(degree, octaveOffset int, key, mode string) int {
	if degree < 1 {
		degree = 1
	}
	if degree > 7 {
		degree = 7
	}
	keyPc, ok := KeyToPitchClass(key)
	if !ok {
		keyPc = 0
	}
	scale := ScaleFor(mode)
	pc := (keyPc + scale[(degree-1)%7]) % 12
	return 48 + pc + 12*octaveOffset
}

var triadIntervals = map[string][]int{
	"":     {0, 4, 7},
	"maj":  {0, 4, 7},
	"m":    {0, 3, 7},
	"min":  {0, 3, 7},
	"dim":  {0, 3, 6},
	"sus2": {0, 2, 7},
	"sus4": {0, 5, 7},
}

var seventhIntervals = map[string][]int{
	"7":    {0, 4, 7, 10},
	"maj7": {0, 4, 7, 11},
	"m7":   {0, 3, 7, 10},
	"min7": {0, 3, 7, 10},
}

// ParseChordSymbol parses an absolute chord symbol like "Cmaj7", "Am", "G7".
// Unknown qualities degrade to a major triad rather than erroring.
// Returns the root in octave 3 (C3 == 48) and its semitone intervals.
func ParseChordSymbol(sym string) (root int, intervals []int, ok bool) {
	sym = strings.TrimSpace(sym)
	if sym == "" {
		return 0, nil, false
	}
	letter := byte(strings.ToUpper(sym[:1])[0])
	pc, known := pitchClasses[letter]
	if !known {
		return 0, nil, false
	}
	idx := 1
	accidental := 0
	if idx < len(sym) && (sym[idx] == '#' || sym[idx] == 'b') {
		if sym[idx] == '#' {
			accidental = 1
		} else {
			accidental = -1
		}
		idx++
	}
	qual := strings.ToLower(sym[idx:])
	iv, found := seventhIntervals[qual]
	if !found {
		iv, found = triadIntervals[qual]
	}
	if !found {
		iv = triadIntervals[""]
	}
	rootPc := pc + accidental
	return 48 + rootPc, iv, true
}

var romanDegree = map[string]int{
	"i": 1, "ii": 2, "iii": 3, "iv": 4, "v": 5, "vi": 6, "vii": 7,
}

// ParseRomanChord parses a roman-numeral chord (I..VII major, i..vii minor)
// relative to key/mode. Root is in octave 3, aligned to the scale degree.
func ParseRomanChord(sym, key, mode string) (root int, intervals []int, ok bool) {
	sym = strings.TrimSpace(sym)
	rn := ""
	for i := 0; i < len(sym); i++ {
		c := sym[i]
		if c == 'i' || c == 'v' || c == 'I' || c == 'V' {
			rn += string(c)
		} else {
			break
		}
	}
	if rn == "" {
		return 0, nil, false
	}
	isMajor := rn == strings.ToUpper(rn)
	deg, found := romanDegree[strings.ToLower(rn)]
	if !found {
		return 0, nil, false
	}
	keyPc, kok := KeyToPitchClass(key)
	if !kok {
		keyPc = 0
	}
	scale := ScaleFor(mode)
	rootPc := (keyPc + scale[(deg-1)%7]) % 12
	if isMajor {
		return 48 + rootPc, []int{0, 4, 7}, true
	}
	return 48 + rootPc, []int{0, 3, 7}, true
}

// ExpandChord resolves a chord symbol (absolute or roman) to MIDI pitches,
// clamping into an optional [low, high] register by octave-shifting voices.
func ExpandChord(sym string, register []string, key, mode string) []int {
	root, intervals, ok := ParseChordSymbol(sym)
	if !ok {
		root, intervals, ok = ParseRomanChord(sym, key, mode)
	}
	if !ok {
		return nil
	}
	var low, high *int
	if len(register) == 2 {
		if l, err := NoteNameToMIDI(register[0]); err == nil {
			low = &l
		}
		if h, err := NoteNameToMIDI(register[1]); err == nil {
			high = &h
		}
	}
	out := make([]int, 0, len(intervals))
	for _, iv := range intervals {
		p := root + iv
		if low != nil {
			for p < *low {
				p += 12
			}
		}
		if high != nil {
			for p > *high {
				p -= 12
			}
		}
		out = append(out, p)
	}
	sortInts(out)
	return out
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
