package docmodel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and parses a LoopDoc from path.
func Load(path string) (*LoopDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read loop file: %w", err)
	}
	var doc LoopDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse loop file: %w", err)
	}
	return &doc, nil
}

// Save writes doc to path atomically: marshal to canonical JSON, write to a
// temp file in the same directory, then rename over the destination. This
// mirrors _atomic_write_json's mkstemp+os.replace pattern so a reader (or a
// crash mid-write) never observes a half-written document.
func Save(path string, doc *LoopDoc) error {
	data, err := CanonicalJSON(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal loop document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create loop directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".loop-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to install loop file: %w", err)
	}
	return nil
}

// Mtime returns path's modification time, used by the conductor's external-
// edit poll to detect a file changed underneath it.
func Mtime(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().UnixNano(), nil
}
