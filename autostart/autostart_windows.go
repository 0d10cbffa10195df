//go:build windows

package autostart

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

// Location returns the registry value holding the entry.
func Location() (string, error) {
	return `HKCU\` + runKeyPath + `\` + AppName, nil
}

// Enable sets the Run value, replacing an existing one.
func Enable(e Entry) error {
	key, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.SetStringValue(AppName, quotedCommandLine(e)); err != nil {
		return fmt.Errorf("failed to enable autostart: %w", err)
	}
	return nil
}

// Disable deletes the Run value. Disabling twice is not an error.
func Disable() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.DeleteValue(AppName); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("failed to disable autostart: %w", err)
	}
	return nil
}

// IsEnabled reports whether the Run value exists.
func IsEnabled() (bool, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check autostart status: %w", err)
	}
	defer key.Close()

	if _, _, err := key.GetStringValue(AppName); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check autostart status: %w", err)
	}
	return true, nil
}

// quotedCommandLine always quotes the executable; Windows paths commonly
// contain spaces.
func quotedCommandLine(e Entry) string {
	cmd := `"` + e.Executable + `"`
	for _, a := range e.Args {
		cmd += " " + a
	}
	return cmd
}
