package docmodel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PatchOp is one RFC 6902-shaped operation: {op, path, value}. Only add,
// remove, and replace are honored.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ApplyPatch applies ops to a deep copy of baseJSON (canonical or not),
// returning the patched document bytes. Path mutation is done with
// tidwall/gjson+sjson the way original_source/conductor/patch_utils.py
// uses jsonpatch: each JSON-Pointer op path is translated to an sjson dot
// path and applied in sequence against a private copy.
func ApplyPatch(baseJSON []byte, ops []PatchOp) ([]byte, error) {
	cur := append([]byte(nil), baseJSON...)
	for i, op := range ops {
		sjPath, err := jsonPointerToSJSON(op.Path)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		switch op.Op {
		case "remove":
			cur, err = sjson.DeleteBytes(cur, sjPath)
			if err != nil {
				return nil, fmt.Errorf("op %d (remove %s): %w", i, op.Path, err)
			}
		case "add", "replace":
			if !gjson.ValidBytes(op.Value) {
				return nil, fmt.Errorf("op %d: value is not valid JSON", i)
			}
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			cur, err = sjson.SetBytes(cur, sjPath, v)
			if err != nil {
				return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
			}
		default:
			return nil, fmt.Errorf("op %d: unsupported op %q", i, op.Op)
		}
	}
	return cur, nil
}

// jsonPointerToSJSON converts an RFC6902 JSON-Pointer ("/tracks/0/id") into
// an sjson/gjson dot-path ("tracks.0.id"), unescaping ~1 and ~0 per RFC6901.
func jsonPointerToSJSON(ptr string) (string, error) {
	if ptr == "" {
		return "", fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(ptr, "/") {
		return "", fmt.Errorf("path must start with /: %s", ptr)
	}
	parts := strings.Split(ptr[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		p = strings.ReplaceAll(p, ".", `\.`)
		parts[i] = p
	}
	return strings.Join(parts, "."), nil
}

// IsStructuralOps reports whether any op touches meta, deviceProfile, or a
// track's identity/channel/role/lengthBars/drumKit fields — changes that
// must wait for a bar boundary rather than apply mid-playback.
func IsStructuralOps(ops []PatchOp) bool {
	trackSuffixes := []string{
		"/id", "/name", "/type", "/midiChannel", "/role",
		"/pattern/lengthBars", "/drumKit",
	}
	for _, op := range ops {
		p := op.Path
		if strings.HasPrefix(p, "/meta/") || strings.HasPrefix(p, "/deviceProfile") {
			return true
		}
		if strings.HasPrefix(p, "/tracks/") {
			segs := strings.Split(p, "/")
			if len(segs) >= 4 {
				suffix := "/" + strings.Join(segs[3:], "/")
				for _, s := range trackSuffixes {
					if strings.HasPrefix(suffix, s) {
						return true
					}
				}
			}
		}
	}
	return false
}

// ParsePatchOps unmarshals a raw ops array, returning an error on malformed
// shapes so callers can surface an "invalid_ops" error kind.
func ParsePatchOps(raw json.RawMessage) ([]PatchOp, error) {
	var ops []PatchOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("invalid_ops: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" || !strings.HasPrefix(op.Path, "/") {
			return nil, fmt.Errorf("invalid_ops: op %d malformed", i)
		}
	}
	return ops, nil
}
