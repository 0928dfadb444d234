package tasks

import "errors"

var (
	// ErrSoftTimeLimit is the cancellation cause a task sees when its soft
	// time limit passes. Tasks should stop promptly and return it.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")

	// ErrHardTimeLimit is recorded when a task did not return before the
	// hard time limit and was abandoned.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")

	ErrUnknownTask  = errors.New("unknown task")
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskPanicked = errors.New("task panicked")

	// ErrRunSealed is returned by Run.Publish after the attempt has ended.
	ErrRunSealed = errors.New("task run already finished")
)
