// Package autostart registers the daemon to start when the user logs in,
// using the native mechanism of each platform: an XDG autostart desktop
// entry on Linux, a LaunchAgent on macOS and the per-user Run key on
// Windows.
package autostart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// AppName identifies the autostart registration.
const AppName = "known-daemon"

// DaemonArgs are passed to the executable at login.
var DaemonArgs = []string{"run-daemon"}

// Entry is what gets registered.
type Entry struct {
	Executable string
	Args       []string
}

// NewEntry returns the entry that starts exe in daemon mode.
func NewEntry(exe string) (Entry, error) {
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return Entry{}, fmt.Errorf("could not determine current executable path: %w", err)
		}
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	abs, err := filepath.Abs(exe)
	if err != nil {
		return Entry{}, fmt.Errorf("could not resolve %s: %w", exe, err)
	}
	return Entry{Executable: abs, Args: append([]string(nil), DaemonArgs...)}, nil
}

// CommandLine renders the entry as a single command line, quoting the
// executable when it contains spaces.
func (e Entry) CommandLine() string {
	exe := e.Executable
	if strings.ContainsAny(exe, " \t") {
		exe = `"` + exe + `"`
	}
	return strings.Join(append([]string{exe}, e.Args...), " ")
}

func render(tmpl *template.Template, data any) ([]byte, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("failed to render autostart entry: %w", err)
	}
	return []byte(b.String()), nil
}
