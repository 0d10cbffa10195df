package agents

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/knownrules/known/config"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func assertRulesDir(t *testing.T, dir string) {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, config.RulesDir))
	if err != nil || !info.IsDir() {
		t.Errorf("%s should be a directory: %v", config.RulesDir, err)
	}
}

func TestInitCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	res, err := Init(dir)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Action != CreatedDefault {
		t.Errorf("Action = %v, want CreatedDefault", res.Action)
	}
	if got := readFile(t, filepath.Join(dir, AgentsFileName)); got != DefaultContents {
		t.Errorf("AGENTS.md = %q", got)
	}
	assertRulesDir(t, dir)

	res, err = Init(dir)
	if err != nil {
		t.Fatalf("second Init() failed: %v", err)
	}
	if res.Action != AlreadyPresent {
		t.Errorf("second Init() Action = %v, want AlreadyPresent", res.Action)
	}
}

func TestInitMigratesLegacyFile(t *testing.T) {
	tests := []struct {
		name   string
		legacy string
	}{
		{name: "claude", legacy: ClaudeFileName},
		{name: "gemini", legacy: GeminiFileName},
		{name: "lowercase claude", legacy: "claude.md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			legacy := filepath.Join(dir, tt.legacy)
			os.WriteFile(legacy, []byte("# legacy content"), 0644)

			res, err := Init(dir)
			if err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			if res.Action != Migrated || res.From != legacy {
				t.Errorf("result = %+v, want Migrated from %s", res, legacy)
			}
			if got := readFile(t, filepath.Join(dir, AgentsFileName)); got != "# legacy content" {
				t.Errorf("AGENTS.md = %q, want migrated content", got)
			}
			if _, err := os.Lstat(legacy); !os.IsNotExist(err) && !caseInsensitiveFS(dir) {
				t.Errorf("%s should be gone after migration", tt.legacy)
			}
			assertRulesDir(t, dir)
		})
	}
}

func TestInitWithBothLegacyFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ClaudeFileName), []byte("# claude"), 0644)
	os.WriteFile(filepath.Join(dir, GeminiFileName), []byte("# gemini"), 0644)

	res, err := Init(dir)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Action != CreatedEmpty {
		t.Errorf("Action = %v, want CreatedEmpty", res.Action)
	}
	if got := readFile(t, filepath.Join(dir, AgentsFileName)); got != "" {
		t.Errorf("AGENTS.md = %q, want empty", got)
	}
	if readFile(t, filepath.Join(dir, ClaudeFileName)) != "# claude" ||
		readFile(t, filepath.Join(dir, GeminiFileName)) != "# gemini" {
		t.Error("legacy files must be left untouched")
	}
}

func TestInitKeepsExistingAgentsFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "Agents.md"), []byte("existing"), 0644)
	os.WriteFile(filepath.Join(dir, ClaudeFileName), []byte("# claude"), 0644)

	res, err := Init(dir)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Action != AlreadyPresent || filepath.Base(res.Path) != "Agents.md" {
		t.Errorf("result = %+v, want AlreadyPresent at Agents.md", res)
	}
	if readFile(t, filepath.Join(dir, "Agents.md")) != "existing" {
		t.Error("existing AGENTS.md was modified")
	}
	if readFile(t, filepath.Join(dir, ClaudeFileName)) != "# claude" {
		t.Error("CLAUDE.md must not be migrated when AGENTS.md exists")
	}
	assertRulesDir(t, dir)
}

func TestInitMissingDirectory(t *testing.T) {
	if _, err := Init(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("Init() should fail for a missing directory")
	}
}

func TestLinkInstructionFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, AgentsFileName), []byte("# agents"), 0644)
	// Existing files are replaced by links.
	os.WriteFile(filepath.Join(dir, ClaudeFileName), []byte("# old claude"), 0644)

	created, err := LinkInstructionFiles(dir)
	if err != nil {
		t.Fatalf("LinkInstructionFiles() failed: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("created = %v, want both links", created)
	}

	for _, name := range []string{ClaudeFileName, GeminiFileName} {
		path := filepath.Join(dir, name)
		dest, err := os.Readlink(path)
		if err != nil {
			t.Fatalf("%s is not a symlink: %v", name, err)
		}
		if dest != AgentsFileName {
			t.Errorf("%s -> %s, want relative link to %s", name, dest, AgentsFileName)
		}
		if got := readFile(t, path); got != "# agents" {
			t.Errorf("%s resolves to %q", name, got)
		}
	}

	created, err = LinkInstructionFiles(dir)
	if err != nil {
		t.Fatalf("second LinkInstructionFiles() failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second call created %v, want nothing", created)
	}
}

func TestLinkInstructionFilesRequiresAgentsFile(t *testing.T) {
	dir := t.TempDir()

	_, err := LinkInstructionFiles(dir)
	if !errors.Is(err, ErrNoAgentsFile) {
		t.Fatalf("LinkInstructionFiles() error = %v, want ErrNoAgentsFile", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, ClaudeFileName)); !os.IsNotExist(err) {
		t.Error("no link should be created without AGENTS.md")
	}
}

// caseInsensitiveFS reports whether dir lives on a case-insensitive volume.
func caseInsensitiveFS(dir string) bool {
	if runtime.GOOS == "linux" {
		return false
	}
	marker := filepath.Join(dir, "Case-Marker")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return false
	}
	defer os.Remove(marker)
	_, err := os.Stat(filepath.Join(dir, "case-marker"))
	return err == nil
}
