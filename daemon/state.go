package daemon

import "fmt"

// ProcessState is the lifecycle state of the daemon. Only Controller
// methods change it and StateStopped is terminal
type ProcessState int32

const (
	StateInitializing ProcessState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s ProcessState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
