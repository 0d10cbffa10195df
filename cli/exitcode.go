package cli

import (
	"errors"
	"fmt"

	"github.com/knownrules/known/daemon"
	"github.com/knownrules/known/registry"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitAlreadyRunning  = 2
	ExitNotRunning      = 3
	ExitRegistryCorrupt = 4
)

// ExitError carries an explicit exit code. A nil Err means the command has
// already told the user what happened.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by a command onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, daemon.ErrNotRunning):
		return ExitNotRunning
	case errors.Is(err, registry.ErrCorrupt):
		return ExitRegistryCorrupt
	default:
		return ExitFailure
	}
}
