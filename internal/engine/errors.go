package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vulnverified/hstsbypass/internal/supervisor"
)

var (
	// ErrPreconditionFailed is returned before any host state is changed.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrToolFailure marks a tool that failed to start or died while running.
	ErrToolFailure = supervisor.ErrToolFailure

	// ErrSessionAlreadyActive is returned when another session in this
	// process is past Idle.
	ErrSessionAlreadyActive = errors.New("another session is already active")

	ErrInvalidState = errors.New("invalid session state")
)

// PreconditionError lists every unmet precondition.
type PreconditionError struct {
	Reasons []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPreconditionFailed, strings.Join(e.Reasons, "; "))
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPreconditionFailed }
