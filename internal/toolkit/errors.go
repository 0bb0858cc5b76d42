package toolkit

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResult means a query script exited cleanly without writing its result.
	ErrNoResult = errors.New("toolkit: script produced no result")
	// ErrBadResult means the result file could not be decoded.
	ErrBadResult = errors.New("toolkit: malformed result")
	// ErrCancelled means the call was interrupted by the caller's context.
	ErrCancelled = errors.New("toolkit: call cancelled")
)

// TaskError is a toolkit call that ran and failed.
type TaskError struct {
	Task     string // e.g. "tclean"
	Target   string // dataset or image the call was about
	ExitCode int
	Stderr   string // tail of the interpreter's stderr
	Cause    error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("toolkit: %s on %s failed (exit=%d)", e.Task, e.Target, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}
