package daemon

// State is the lifecycle state of the supervised daemon process.
type State int32

const (
	// StateStopped means no process is running. It is the initial state and,
	// after Close, the terminal one.
	StateStopped State = iota
	// StateStarting means the process is being spawned.
	StateStarting
	// StateReady means the process is up and idle.
	StateReady
	// StateBusy means a command is executing against the process.
	StateBusy
	// StateCrashed means the process exited unexpectedly.
	StateCrashed
	// StateUnavailable means the crash-loop threshold was exceeded.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
