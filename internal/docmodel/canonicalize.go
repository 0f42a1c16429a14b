package docmodel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonicalize sorts a document's collections into a deterministic order
// (tracks by id, steps by idx, points by tick, drum patterns by bar/key) in
// place, and returns it for chaining.
func Canonicalize(doc *LoopDoc) *LoopDoc {
	sort.SliceStable(doc.Tracks, func(i, j int) bool { return doc.Tracks[i].ID < doc.Tracks[j].ID })
	for ti := range doc.Tracks {
		tr := &doc.Tracks[ti]
		sort.SliceStable(tr.Pattern.Steps, func(i, j int) bool {
			return tr.Pattern.Steps[i].Idx < tr.Pattern.Steps[j].Idx
		})
		if tr.DrumKit != nil {
			sort.SliceStable(tr.DrumKit.Patterns, func(i, j int) bool {
				a, b := tr.DrumKit.Patterns[i], tr.DrumKit.Patterns[j]
				if a.Bar != b.Bar {
					return a.Bar < b.Bar
				}
				return a.Key < b.Key
			})
		}
		stepTicks := 0
		if doc.Meta.StepsPerBar > 0 {
			stepTicks = doc.Meta.PPQ * 4 / doc.Meta.StepsPerBar
		}
		for li := range tr.CcLanes {
			lane := &tr.CcLanes[li]
			sort.SliceStable(lane.Points, func(i, j int) bool {
				return ccTimeOrder(lane.Points[i].T, stepTicks, doc.Meta.StepsPerBar) <
					ccTimeOrder(lane.Points[j].T, stepTicks, doc.Meta.StepsPerBar)
			})
		}
	}
	return doc
}

// ccTimeOrder converts a point time to ticks so {ticks} and {bar, step}
// points sort against each other by time.
func ccTimeOrder(t CcTime, stepTicks, stepsPerBar int) int {
	if t.Ticks != nil {
		return *t.Ticks
	}
	return t.Bar*stepTicks*stepsPerBar + t.Step*stepTicks
}

// CanonicalJSON renders the document as dense, indent=2, lexicographically
// key-sorted JSON with a trailing newline. Struct fields marshal in
// declaration order, so the document is round-tripped through a generic
// tree, whose map keys encoding/json writes in sorted order.
func CanonicalJSON(doc *LoopDoc) ([]byte, error) {
	raw, err := json.Marshal(Canonicalize(doc))
	if err != nil {
		return nil, err
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the hex-encoded SHA-256 of canonical (compact) JSON,
// matching Conductor.get_doc()'s sha256(canonical JSON) contract.
func SHA256Hex(doc *LoopDoc) (string, error) {
	clone := *doc
	clone.Tracks = append([]Track(nil), doc.Tracks...)
	compact, err := json.Marshal(Canonicalize(&clone))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(compact)
	return hex.EncodeToString(sum[:]), nil
}
