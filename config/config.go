package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// RulesDir is the canonical rules directory inside every project.
const RulesDir = ".rules"

// DefaultTargets are the integration directories that mirror RulesDir.
var DefaultTargets = []string{
	".cursor/rules",
	".windsurf/rules",
}

// Settings holds the user-tunable behavior of the daemon and the CLI.
type Settings struct {
	LogLevel         string   `mapstructure:"log_level" yaml:"log_level"`   // debug | info | warn | error
	LogFormat        string   `mapstructure:"log_format" yaml:"log_format"` // auto | console | json
	Targets          []string `mapstructure:"targets" yaml:"targets"`
	Ignore           []string `mapstructure:"ignore" yaml:"ignore"` // gitignore-style patterns, e.g. ".*", "*~", "*.swp", "4913"
	ConfigDebounceMs int      `mapstructure:"config_debounce_ms" yaml:"config_debounce_ms"`
	SyncParallelism  int      `mapstructure:"sync_parallelism" yaml:"sync_parallelism"`
}

func DefaultSettings() *Settings {
	return &Settings{
		LogLevel:         "info",
		LogFormat:        "auto",
		Targets:          append([]string(nil), DefaultTargets...),
		Ignore:           []string{},
		ConfigDebounceMs: 100,
		SyncParallelism:  4,
	}
}

// LoadSettings reads the settings file at path, overlaid with KNOWN_*
// environment variables. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	defaults := DefaultSettings()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KNOWN")
	v.AutomaticEnv()

	// Defaults register every key so AutomaticEnv applies to Unmarshal.
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("targets", defaults.Targets)
	v.SetDefault("ignore", defaults.Ignore)
	v.SetDefault("config_debounce_ms", defaults.ConfigDebounceMs)
	v.SetDefault("sync_parallelism", defaults.SyncParallelism)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return &s, nil
}

// applyDefaults fills in values left empty or out of range.
func (s *Settings) applyDefaults() {
	defaults := DefaultSettings()

	if s.LogLevel == "" {
		s.LogLevel = defaults.LogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = defaults.LogFormat
	}
	if len(s.Targets) == 0 {
		s.Targets = defaults.Targets
	}
	if s.ConfigDebounceMs < 0 {
		s.ConfigDebounceMs = defaults.ConfigDebounceMs
	}
	if s.SyncParallelism <= 0 {
		s.SyncParallelism = defaults.SyncParallelism
	}

	for i, target := range s.Targets {
		s.Targets[i] = filepath.Clean(filepath.FromSlash(strings.TrimSpace(target)))
	}
}

// Validate rejects settings that would make the synchronizer write outside
// the project or on top of the canonical rules directory.
func (s *Settings) Validate() error {
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", s.LogLevel)
	}

	switch strings.ToLower(s.LogFormat) {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log_format %q must be one of auto, console, json", s.LogFormat)
	}

	seen := make(map[string]bool, len(s.Targets))
	for _, target := range s.Targets {
		if err := validateTarget(target); err != nil {
			return err
		}
		if seen[target] {
			return fmt.Errorf("target %q is listed twice", target)
		}
		seen[target] = true
	}
	return nil
}

func validateTarget(target string) error {
	if target == "" || target == "." {
		return errors.New("targets must not contain an empty directory")
	}
	if filepath.IsAbs(target) {
		return fmt.Errorf("target %q must be relative to the project root", target)
	}
	if target == ".." || strings.HasPrefix(target, ".."+string(filepath.Separator)) {
		return fmt.Errorf("target %q must stay inside the project", target)
	}
	if target == RulesDir || strings.HasPrefix(target, RulesDir+string(filepath.Separator)) {
		return fmt.Errorf("target %q must not be inside the %s directory", target, RulesDir)
	}
	return nil
}
