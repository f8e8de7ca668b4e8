package daemon

import "github.com/cockroachdb/errors"

// Error taxonomy. Errors returned by the Controller are marked with one of
// these, so callers test them with errors.Is.
var (
	// ErrSpawnFailure means the daemon could not be started, usually because
	// the configured command is wrong. It is fatal until the configuration
	// changes or a Restart command is submitted.
	ErrSpawnFailure = errors.New("dmypy daemon failed to start")

	// ErrDaemonCrashed means the daemon died (or stopped responding) while a
	// command was outstanding. The Controller restarts it on the next submit.
	ErrDaemonCrashed = errors.New("dmypy daemon crashed")

	// ErrDaemonUnavailable means the daemon kept crashing and the Controller
	// gave up restarting it.
	ErrDaemonUnavailable = errors.New("dmypy daemon unavailable")

	// ErrCancelled means the command was cancelled before it was issued.
	ErrCancelled = errors.New("daemon command cancelled")

	// ErrStopped means the Controller was shut down.
	ErrStopped = errors.New("daemon controller stopped")
)
