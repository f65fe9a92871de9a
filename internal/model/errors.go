package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrSessionExists   = errors.New("login session already exists")
	ErrLaunch          = errors.New("launch failed")
	ErrAlreadyFinished = errors.New("already finished")
)

// ValidationError rejects a request before any job or session is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// LaunchError wraps a failure to spawn the crawler or to start a browser.
type LaunchError struct {
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}
