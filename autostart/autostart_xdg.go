//go:build !darwin && !windows

package autostart

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/knownrules/known/internal/fileutil"
)

var desktopEntry = template.Must(template.New("desktop").Parse(`[Desktop Entry]
Type=Application
Version=1.0
Name={{.Name}}
Comment=Keeps project rules directories in sync
Exec={{.Exec}}
StartupNotify=false
Terminal=false
`))

// Location returns the path of the desktop entry.
func Location() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "autostart", AppName+".desktop"), nil
}

// Enable writes the desktop entry, replacing an existing one.
func Enable(e Entry) error {
	path, err := Location()
	if err != nil {
		return err
	}

	b, err := render(desktopEntry, struct{ Name, Exec string }{AppName, e.CommandLine()})
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomically(path, b, 0644); err != nil {
		return fmt.Errorf("failed to enable autostart: %w", err)
	}
	return nil
}

// Disable removes the desktop entry. Disabling twice is not an error.
func Disable() error {
	path, err := Location()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to disable autostart: %w", err)
	}
	return nil
}

// IsEnabled reports whether the desktop entry exists.
func IsEnabled() (bool, error) {
	path, err := Location()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check autostart status: %w", err)
	}
	return true, nil
}
