package linksync

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the per-project ignore file, read from the rules
// directory. It is never linked, whatever the patterns say.
const IgnoreFileName = ".knownignore"

// IgnoreMatcher decides which names in a rules directory are not entries.
// Every file is an entry unless a pattern excludes it. Patterns are evaluated
// in order: settings, then the project's .knownignore, so a later "!name"
// re-includes an earlier match.
type IgnoreMatcher struct {
	matcher *ignore.GitIgnore
}

// NewIgnoreMatcher compiles extra and the ignore file found in rulesDir. A
// missing or unreadable ignore file is skipped.
func NewIgnoreMatcher(rulesDir string, extra []string) *IgnoreMatcher {
	lines := cleanPatternLines(extra)

	if content, err := os.ReadFile(filepath.Join(rulesDir, IgnoreFileName)); err == nil {
		lines = append(lines, cleanPatternLines(strings.Split(string(content), "\n"))...)
	}

	return &IgnoreMatcher{matcher: ignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether the base name is excluded from linking.
func (m *IgnoreMatcher) ShouldIgnore(name string) bool {
	if name == IgnoreFileName {
		return true
	}
	if m == nil || m.matcher == nil {
		return false
	}
	return m.matcher.MatchesPath(filepath.ToSlash(name))
}

func cleanPatternLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
