//go:build !darwin && !windows

package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDesktopEntryLifecycle(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	want := filepath.Join(configHome, "autostart", "known-daemon.desktop")
	if loc := mustLocation(t); loc != want {
		t.Fatalf("Location() = %s, want %s", loc, want)
	}

	if enabled, err := IsEnabled(); err != nil || enabled {
		t.Fatalf("IsEnabled() = %v, %v before Enable", enabled, err)
	}

	e := Entry{Executable: "/opt/known bin/known", Args: []string{"run-daemon"}}
	if err := Enable(e); err != nil {
		t.Fatalf("Enable() failed: %v", err)
	}
	if enabled, err := IsEnabled(); err != nil || !enabled {
		t.Fatalf("IsEnabled() = %v, %v after Enable", enabled, err)
	}

	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("failed to read desktop entry: %v", err)
	}
	content := string(data)
	for _, line := range []string{
		"[Desktop Entry]",
		"Type=Application",
		"Name=known-daemon",
		`Exec="/opt/known bin/known" run-daemon`,
	} {
		if !strings.Contains(content, line+"\n") {
			t.Errorf("desktop entry is missing %q:\n%s", line, content)
		}
	}

	// Enabling again replaces the entry.
	if err := Enable(Entry{Executable: "/usr/bin/known", Args: []string{"run-daemon"}}); err != nil {
		t.Fatalf("second Enable() failed: %v", err)
	}
	data, _ = os.ReadFile(want)
	if !strings.Contains(string(data), "Exec=/usr/bin/known run-daemon\n") {
		t.Errorf("entry was not replaced:\n%s", data)
	}

	if err := Disable(); err != nil {
		t.Fatalf("Disable() failed: %v", err)
	}
	if enabled, _ := IsEnabled(); enabled {
		t.Error("IsEnabled() should be false after Disable")
	}
	if err := Disable(); err != nil {
		t.Fatalf("second Disable() failed: %v", err)
	}
}

func TestLocationFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", home)

	want := filepath.Join(home, ".config", "autostart", "known-daemon.desktop")
	if loc := mustLocation(t); loc != want {
		t.Errorf("Location() = %s, want %s", loc, want)
	}
}
