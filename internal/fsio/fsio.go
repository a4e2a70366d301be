// Package fsio provides the atomic file primitives every persistent store in
// the bridge is built on: temp-file-then-rename writes and JSON load-or-default.
package fsio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteText writes content to path atomically: the bytes land in a sibling
// temp file first and are renamed over path. The temp file is removed on any
// failure. Parent directories are created as needed.
func WriteText(path, content string) error {
	return WriteBytes(path, []byte(content))
}

// WriteBytes is WriteText for raw bytes.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%s", path, os.Getpid(), uuid.NewString()[:8])
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteBytes(path, append(data, '\n'))
}

// ReadJSON unmarshals the file at path into v. A missing file returns
// os.ErrNotExist unwrapped by errors.Is.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// EnsureJSONArrayFile creates an empty JSON array file at path if none exists.
func EnsureJSONArrayFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return WriteText(path, "[]\n")
}

// EnsureDir creates dir (and parents) when missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
