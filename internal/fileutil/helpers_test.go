package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomically(t *testing.T) {
	t.Run("creates missing parent directories", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "nested", "deeper", "file.yaml")

		if err := WriteFileAtomically(target, []byte("hello"), 0600); err != nil {
			t.Fatalf("WriteFileAtomically failed: %v", err)
		}

		data, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("failed to read target: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("expected 'hello', got %q", string(data))
		}
	})

	t.Run("replaces existing content and leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "file.yaml")
		os.WriteFile(target, []byte("old"), 0600)

		if err := WriteFileAtomically(target, []byte("new"), 0600); err != nil {
			t.Fatalf("WriteFileAtomically failed: %v", err)
		}

		data, _ := os.ReadFile(target)
		if string(data) != "new" {
			t.Errorf("expected 'new', got %q", string(data))
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to read dir: %v", err)
		}
		if len(entries) != 1 {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			t.Errorf("expected only the target file, found %v", names)
		}
	})
}

func TestReplaceFileAtomically(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	target := filepath.Join(dir, "target")
	os.WriteFile(tmp, []byte("payload"), 0644)
	os.WriteFile(target, []byte("stale"), 0644)

	if err := ReplaceFileAtomically(tmp, target); err != nil {
		t.Fatalf("ReplaceFileAtomically failed: %v", err)
	}

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after replace")
	}
	data, _ := os.ReadFile(target)
	if string(data) != "payload" {
		t.Errorf("expected 'payload', got %q", string(data))
	}
}
