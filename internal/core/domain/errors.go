// Package domain holds the task, resource and execution entities shared by
// the scheduler, allocator and worker services.
package domain

import "errors"

var (
	// ErrTaskNotFound is returned when an id is unknown to the task store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownResource is returned when a requirement names a resource
	// that was never registered.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrInsufficientCapacity is returned when any single requirement of an
	// all-or-nothing allocation cannot be satisfied.
	ErrInsufficientCapacity = errors.New("insufficient resource capacity")

	// ErrDependencyCycle is returned at enqueue time when admitting the task
	// would close a cycle in the dependency graph.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrInvalidTransition is returned for a status move outside the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleStatus is returned when a terminal write loses the version
	// race, typically because the task was cancelled while running.
	ErrStaleStatus = errors.New("stale task status")

	// ErrPayloadTimeout marks a payload that exceeded the configured task
	// timeout. It counts against max_retries like any other failure.
	ErrPayloadTimeout = errors.New("payload timed out")
)
