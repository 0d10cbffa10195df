package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppName names the per-user application directories.
	AppName = "known"

	// EnvHome overrides both the state and the config directory. When set,
	// every file lives directly under this directory.
	EnvHome = "KNOWN_HOME"

	lockFileName     = "known-daemon.pid"
	registryFileName = "registry.yaml"
	readyFileName    = "known-daemon.ready"
	logDirName       = "logs"
	logFileName      = "known-daemon.log"
	settingsFileName = "settings.yaml"
	legacyFileName   = "config.json"
)

// Paths holds every well-known location used by the CLI and the daemon.
type Paths struct {
	StateDir       string
	ConfigDir      string
	Lock           string
	Registry       string
	Ready          string
	LogDir         string
	Log            string
	Settings       string
	LegacyRegistry string
}

// DefaultPaths resolves the per-OS locations, honoring KNOWN_HOME.
func DefaultPaths() (Paths, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return PathsUnder(home, home), nil
	}

	stateDir, err := StateDir()
	if err != nil {
		return Paths{}, err
	}
	configDir, err := ConfigDir()
	if err != nil {
		return Paths{}, err
	}
	return PathsUnder(stateDir, configDir), nil
}

// PathsUnder lays out the well-known files under explicit directories.
func PathsUnder(stateDir, configDir string) Paths {
	logDir := filepath.Join(stateDir, logDirName)
	return Paths{
		StateDir:       stateDir,
		ConfigDir:      configDir,
		Lock:           filepath.Join(stateDir, lockFileName),
		Registry:       filepath.Join(stateDir, registryFileName),
		Ready:          filepath.Join(stateDir, readyFileName),
		LogDir:         logDir,
		Log:            filepath.Join(logDir, logFileName),
		Settings:       filepath.Join(configDir, settingsFileName),
		LegacyRegistry: filepath.Join(configDir, legacyFileName),
	}
}

// StateDir returns the OS-specific application state directory.
//
// Platform-specific defaults:
//   - Linux:   $XDG_STATE_HOME/known or ~/.local/state/known
//   - macOS:   ~/Library/Application Support/known
//   - Windows: %LOCALAPPDATA%\known
//
// The directory may not exist yet; callers create it when they write.
func StateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", AppName), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", AppName), nil
	default: // Linux and other Unix-like systems
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, ".local", "state", AppName), nil
	}
}

// ConfigDir returns the OS-specific directory for user settings. Earlier
// releases also kept the registry here as config.json.
//
// Platform-specific defaults:
//   - Linux:   $XDG_CONFIG_HOME/known or ~/.config/known
//   - macOS:   ~/Library/Application Support/known
//   - Windows: %APPDATA%\known
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", AppName), nil
	case "windows":
		if base := os.Getenv("APPDATA"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, "AppData", "Roaming", AppName), nil
	default:
		if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, ".config", AppName), nil
	}
}
