// Package agents manages the per-project instruction files read by coding
// agents: AGENTS.md and the CLAUDE.md and GEMINI.md links pointing at it.
package agents

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knownrules/known/config"
)

const (
	AgentsFileName = "AGENTS.md"
	ClaudeFileName = "CLAUDE.md"
	GeminiFileName = "GEMINI.md"
)

// DefaultContents is written to a new AGENTS.md when there is nothing to
// migrate.
const DefaultContents = "# AGENTS\n" +
	"This file provides guidance to agentic coding agents like Claude, Gemini CLI " +
	"and Codex CLI when working with code in this repository.\n"

// ErrNoAgentsFile is returned by LinkInstructionFiles when the project has
// no AGENTS.md yet.
var ErrNoAgentsFile = errors.New("AGENTS.md file not found; run 'known init' first")

// InitAction tells what Init did with the instruction files.
type InitAction int

const (
	// AlreadyPresent means an AGENTS.md existed and was left alone.
	AlreadyPresent InitAction = iota
	// CreatedDefault means a new AGENTS.md with DefaultContents was written.
	CreatedDefault
	// Migrated means a CLAUDE.md or GEMINI.md was renamed to AGENTS.md.
	Migrated
	// CreatedEmpty means both legacy files exist; an empty AGENTS.md was
	// written and the user merges them by hand.
	CreatedEmpty
)

// InitResult describes the outcome of Init.
type InitResult struct {
	Action InitAction
	Path   string // the AGENTS.md file
	From   string // the migrated file, set for Migrated
}

// Init makes sure dir has an AGENTS.md and a rules directory.
//
// File names are matched case-insensitively. An existing AGENTS.md wins. A
// single legacy CLAUDE.md or GEMINI.md is renamed to AGENTS.md. When both
// legacy files exist neither is touched and an empty AGENTS.md is created.
func Init(dir string) (*InitResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var agents, claude, gemini string
	for _, e := range entries {
		switch name := e.Name(); {
		case strings.EqualFold(name, AgentsFileName):
			agents = name
		case strings.EqualFold(name, ClaudeFileName):
			claude = name
		case strings.EqualFold(name, GeminiFileName):
			gemini = name
		}
	}

	res := &InitResult{Path: filepath.Join(dir, AgentsFileName)}
	switch {
	case agents != "":
		res.Action = AlreadyPresent
		res.Path = filepath.Join(dir, agents)
	case claude != "" && gemini != "":
		if err := os.WriteFile(res.Path, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", res.Path, err)
		}
		res.Action = CreatedEmpty
	case claude != "" || gemini != "":
		from := filepath.Join(dir, claude+gemini)
		if err := os.Rename(from, res.Path); err != nil {
			return nil, fmt.Errorf("failed to rename %s to %s: %w", from, AgentsFileName, err)
		}
		res.Action = Migrated
		res.From = from
	default:
		if err := os.WriteFile(res.Path, []byte(DefaultContents), 0644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", res.Path, err)
		}
		res.Action = CreatedDefault
	}

	if err := EnsureRulesDir(dir); err != nil {
		return nil, err
	}
	return res, nil
}

// EnsureRulesDir creates the project's rules directory if it is missing.
func EnsureRulesDir(dir string) error {
	path := filepath.Join(dir, config.RulesDir)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// LinkInstructionFiles points CLAUDE.md and GEMINI.md in dir at AGENTS.md
// with relative symlinks, replacing whatever is at those paths. It returns
// the links it created; links that were already correct are not listed.
func LinkInstructionFiles(dir string) ([]string, error) {
	agents, err := findAgentsFile(dir)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, name := range []string{ClaudeFileName, GeminiFileName} {
		link := filepath.Join(dir, name)
		if dest, err := os.Readlink(link); err == nil && dest == agents {
			continue
		}

		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return created, fmt.Errorf("failed to replace %s: %w", link, err)
		}
		if err := os.Symlink(agents, link); err != nil {
			return created, fmt.Errorf("failed to link %s to %s: %w", link, agents, err)
		}
		created = append(created, link)
	}
	return created, nil
}

// findAgentsFile returns the name AGENTS.md has on disk.
func findAgentsFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), AgentsFileName) && !e.IsDir() {
			return e.Name(), nil
		}
	}
	return "", ErrNoAgentsFile
}
