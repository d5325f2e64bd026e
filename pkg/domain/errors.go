package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted indicates the invocation was cancelled by a signal.
	ErrInterrupted = errors.New("interrupted")

	// ErrUnsafePattern indicates a pattern that would allow every hostname.
	ErrUnsafePattern = errors.New("pattern matches every hostname")
)

// Exit statuses for failures of the firewall itself. The user command's own
// exit code is passed through untouched. 124 and 125 follow the timeout(1)
// and docker-run conventions.
const (
	ExitPolicyError   = 64
	ExitInstallError  = 125
	ExitHealthTimeout = 124
	ExitInterrupted   = 130
	ExitInternalError = 1
)

// PolicyError is a malformed or unsafe domain pattern. Nothing external has
// been touched when it is returned.
type PolicyError struct {
	Pattern string
	Reason  string
	Err     error
}

func (e *PolicyError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("policy: %s", e.Reason)
	}
	return fmt.Sprintf("policy: pattern %q: %s", e.Pattern, e.Reason)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// InstallError is a failed packet-filter or container start step. Everything
// installed before it has been rolled back.
type InstallError struct {
	Step string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Step, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// HealthTimeoutError means the proxy never reported healthy.
type HealthTimeoutError struct {
	Container string
	Attempts  int
	LastState string
	Err       error
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("container %s not healthy after %d probes (last state %q)", e.Container, e.Attempts, e.LastState)
}

func (e *HealthTimeoutError) Unwrap() error {
	return e.Err
}

// TeardownError is a failed cleanup step. It is reported as a warning.
type TeardownError struct {
	Step string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.Step, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// ExitCodeFor maps an error returned before or around the user command to the
// process exit status. Interruption wins over the step it interrupted.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var pe *PolicyError
	var he *HealthTimeoutError
	var ie *InstallError
	switch {
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	case errors.As(err, &pe):
		return ExitPolicyError
	case errors.As(err, &he):
		return ExitHealthTimeout
	case errors.As(err, &ie):
		return ExitInstallError
	default:
		return ExitInternalError
	}
}
