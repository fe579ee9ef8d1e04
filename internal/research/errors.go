package research

import "errors"

var (
	// ErrDuplicateTask is returned when a non-terminal task already targets
	// the same (target, type) pair.
	ErrDuplicateTask = errors.New("duplicate research task")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal is returned when changing a completed or failed task.
	ErrTerminal = errors.New("task already terminal")
	// ErrNotFound is returned by mutations on an unknown id. Lookups return
	// nil instead.
	ErrNotFound = errors.New("not found")
)
