package kampe

// Phase is where the container topology is in its life.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseProxyStarting
	PhaseProxyHealthy
	PhaseSandboxStarting
	PhaseSandboxRunning
	PhaseExited
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseProxyStarting:
		return "ProxyStarting"
	case PhaseProxyHealthy:
		return "ProxyHealthy"
	case PhaseSandboxStarting:
		return "SandboxStarting"
	case PhaseSandboxRunning:
		return "SandboxRunning"
	case PhaseExited:
		return "Exited"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
