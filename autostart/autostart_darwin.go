//go:build darwin

package autostart

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/knownrules/known/internal/fileutil"
)

var launchAgent = template.Must(template.New("plist").Funcs(template.FuncMap{"xml": escapeXML}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{xml .Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{xml .Executable}}</string>
{{- range .Args}}
		<string>{{xml .}}</string>
{{- end}}
	</array>
	<key>RunAtLoad</key>
	<true/>
</dict>
</plist>
`))

// Location returns the path of the LaunchAgent property list.
func Location() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", AppName+".plist"), nil
}

// Enable writes the LaunchAgent, replacing an existing one. launchd picks it
// up at the next login.
func Enable(e Entry) error {
	path, err := Location()
	if err != nil {
		return err
	}

	b, err := render(launchAgent, struct {
		Label      string
		Executable string
		Args       []string
	}{AppName, e.Executable, e.Args})
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomically(path, b, 0644); err != nil {
		return fmt.Errorf("failed to enable autostart: %w", err)
	}
	return nil
}

// Disable removes the LaunchAgent. Disabling twice is not an error.
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

// IsEnabled reports whether the LaunchAgent exists.
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

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
