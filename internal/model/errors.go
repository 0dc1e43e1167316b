package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks inputs rejected before anything is sent to the service.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrWaitTimeout means no terminal notification arrived within the wait budget.
	// The job itself is left untouched on the server.
	ErrWaitTimeout = errors.New("wait budget exceeded")
	// ErrServiceUnavailable means transient service errors survived the bounded retry.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// JobFailedError reports a risk job which reached FAILED or CANCELED.
// It is never retried automatically.
type JobFailedError struct {
	Name   string
	State  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s ended as %s", e.Name, e.State)
	}
	return fmt.Sprintf("job %s ended as %s: %s", e.Name, e.State, e.Reason)
}
