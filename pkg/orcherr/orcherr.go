// Package orcherr defines the small set of sentinel errors the control
// surface translates into CLI exit codes and HTTP statuses. Everything
// else in fleet uses plain fmt.Errorf-wrapped errors.
package orcherr

import "errors"

var (
	// ErrDuplicateID is returned by spawn when the id names a worker
	// that already exists in a non-terminal state.
	ErrDuplicateID = errors.New("duplicate worker id")

	// ErrWorktreeError wraps a failure from the worktree creation tool.
	ErrWorktreeError = errors.New("worktree error")

	// ErrSpawnError wraps a subprocess spawn failure (missing binary,
	// missing working directory, OS refused the spawn).
	ErrSpawnError = errors.New("spawn error")

	// ErrNotFound is returned when an operation names an unknown
	// worker id.
	ErrNotFound = errors.New("worker not found")

	// ErrNotRunning is returned by send when the worker has no
	// attached process.
	ErrNotRunning = errors.New("worker not running")

	// ErrInvalidTransition is returned when a manual operation (e.g.
	// merge) is requested from a state that forbids it.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStdinClosed is returned by send when the process has exited.
	ErrStdinClosed = errors.New("stdin closed")
)

// ExitCode maps a sentinel error to the Control CLI exit code it
// produces. Unrecognized errors map to the generic failure code (1).
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return 3
	case errors.Is(err, ErrDuplicateID):
		return 4
	case errors.Is(err, ErrInvalidTransition):
		return 5
	default:
		return 1
	}
}
