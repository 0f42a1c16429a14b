package docmodel

import (
	"encoding/json"
	"testing"
)

func TestApplyPatchReplaceAndAdd(t *testing.T) {
	base := []byte(`{"meta":{"tempo":120,"ppq":96},"tracks":[{"id":"t1","name":"Bass"}]}`)
	ops := []PatchOp{
		{Op: "replace", Path: "/meta/tempo", Value: json.RawMessage(`140`)},
		{Op: "add", Path: "/tracks/0/midiChannel", Value: json.RawMessage(`3`)},
	}
	out, err := ApplyPatch(base, ops)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	var doc LoopDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal patched: %v", err)
	}
	if doc.Meta.Tempo != 140 {
		t.Errorf("tempo = %v, want 140", doc.Meta.Tempo)
	}
	if doc.Tracks[0].MidiChannel != 3 {
		t.Errorf("midiChannel = %v, want 3", doc.Tracks[0].MidiChannel)
	}
}

func TestApplyPatchRemove(t *testing.T) {
	base := []byte(`{"meta":{"tempo":120,"key":"C"}}`)
	out, err := ApplyPatch(base, []PatchOp{{Op: "remove", Path: "/meta/key"}})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	var doc LoopDoc
	json.Unmarshal(out, &doc)
	if doc.Meta.Key != "" {
		t.Errorf("key = %q, want removed", doc.Meta.Key)
	}
}

func TestApplyPatchDoesNotMutateBase(t *testing.T) {
	base := []byte(`{"meta":{"tempo":120}}`)
	baseCopy := append([]byte(nil), base...)
	_, err := ApplyPatch(base, []PatchOp{{Op: "replace", Path: "/meta/tempo", Value: json.RawMessage(`99`)}})
	if err != nil {
		t.Fatal(err)
	}
	if string(base) != string(baseCopy) {
		t.Error("ApplyPatch mutated its input baseJSON")
	}
}

func TestApplyPatchUnsupportedOp(t *testing.T) {
	base := []byte(`{"meta":{}}`)
	_, err := ApplyPatch(base, []PatchOp{{Op: "move", Path: "/meta/tempo"}})
	if err == nil {
		t.Fatal("expected error for unsupported op")
	}
}

func TestIsStructuralOps(t *testing.T) {
	tests := []struct {
		name string
		ops  []PatchOp
		want bool
	}{
		{"meta change", []PatchOp{{Op: "replace", Path: "/meta/tempo"}}, true},
		{"device profile", []PatchOp{{Op: "add", Path: "/deviceProfile/drumMap/kick"}}, true},
		{"track id", []PatchOp{{Op: "replace", Path: "/tracks/0/id"}}, true},
		{"track midiChannel", []PatchOp{{Op: "replace", Path: "/tracks/0/midiChannel"}}, true},
		{"track lengthBars", []PatchOp{{Op: "replace", Path: "/tracks/0/pattern/lengthBars"}}, true},
		{"track step event velocity", []PatchOp{{Op: "replace", Path: "/tracks/0/pattern/steps/0/events/0/velocity"}}, false},
		{"cc lane point", []PatchOp{{Op: "add", Path: "/tracks/0/ccLanes/0/points/0"}}, false},
	}
	for _, tt := range tests {
		if got := IsStructuralOps(tt.ops); got != tt.want {
			t.Errorf("%s: IsStructuralOps = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParsePatchOpsRejectsMalformed(t *testing.T) {
	if _, err := ParsePatchOps(json.RawMessage(`[{"op":"","path":"/x"}]`)); err == nil {
		t.Error("expected error for empty op")
	}
	if _, err := ParsePatchOps(json.RawMessage(`[{"op":"replace","path":"no-leading-slash"}]`)); err == nil {
		t.Error("expected error for path without leading slash")
	}
	if _, err := ParsePatchOps(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for malformed ops array")
	}
}
