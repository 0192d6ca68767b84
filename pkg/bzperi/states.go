package bzperi

// RunState tracks the server lifecycle.
type RunState int32

const (
	StateUninitialized RunState = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Health records the worst failure the server has seen. It is sticky: once
// degraded it never returns to ok.
type Health int32

const (
	HealthOk Health = iota
	HealthFailedInit
	HealthFailedRun
)

func (h Health) String() string {
	switch h {
	case HealthOk:
		return "ok"
	case HealthFailedInit:
		return "failed during initialization"
	case HealthFailedRun:
		return "failed while running"
	default:
		return "invalid"
	}
}
