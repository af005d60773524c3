// Package lifecycle tracks the process phase reported by the health endpoint.
package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetPhase records the current phase. Call with PhaseServing once the listener is up
// and PhaseShuttingDown when SIGTERM/SIGINT arrives.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// CurrentPhase returns the recorded phase.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return CurrentPhase() == PhaseShuttingDown
}
