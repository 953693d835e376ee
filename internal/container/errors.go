package container

import "errors"

var (
	// ErrNotFound means the engine has no such container or image.
	ErrNotFound = errors.New("container or image not found")

	// ErrNotRunning means the operation needs a running container.
	ErrNotRunning = errors.New("container is not running")

	// ErrRequestFailed wraps engine API failures.
	ErrRequestFailed = errors.New("container engine request failed")
)
