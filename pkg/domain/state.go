package domain

// CleanupState tracks what an invocation has installed, so teardown knows what
// to undo. It only moves forward, except Failed which is reachable from anywhere.

type CleanupState int

const (
	StateIdle CleanupState = iota
	StateRulesInstalled
	StateContainersStarting
	StateContainersRunning
	StateTearingDown
	StateCleaned
	StateFailed
)

func (s CleanupState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRulesInstalled:
		return "RULES_INSTALLED"
	case StateContainersStarting:
		return "CONTAINERS_STARTING"
	case StateContainersRunning:
		return "CONTAINERS_RUNNING"
	case StateTearingDown:
		return "TEARING_DOWN"
	case StateCleaned:
		return "CLEANED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CanAdvance reports whether moving from s to next is legal.
func (s CleanupState) CanAdvance(next CleanupState) bool {
	if s == StateCleaned {
		return false
	}
	if next == StateFailed {
		return true
	}
	if s == StateFailed {
		// A failed invocation still tears down.
		return next == StateTearingDown
	}
	return next > s
}

// Terminal reports whether no further transition is expected.
func (s CleanupState) Terminal() bool {
	return s == StateCleaned
}
