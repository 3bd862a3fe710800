package scheduler

import "errors"

// State is the scheduler's lifecycle state.
type State int32

const (
	// StateIdle means no peer is connected and nothing is captured.
	StateIdle State = iota
	// StateCapturing means at least one peer is connected.
	StateCapturing
	// StateStopped is terminal.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned by SyncFrame before Run has started.
	ErrNotRunning = errors.New("scheduler: not running")

	// ErrStopped is returned once the loop has exited.
	ErrStopped = errors.New("scheduler: stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("scheduler: already running")

	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	ErrStopTimeout = errors.New("scheduler: stop timed out")
)

// ErrNoSource is returned by SyncFrame while the capture session is being
// recreated.
var ErrNoSource = errors.New("scheduler: capture session unavailable")
