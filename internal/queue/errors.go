package queue

import "errors"

var (
	// ErrEmptyKey is returned when a queue is created without a key.
	ErrEmptyKey = errors.New("queue key must not be empty")

	// ErrNilClient is returned when a queue is created without a Redis client.
	ErrNilClient = errors.New("redis client must not be nil")

	// ErrNotFound is returned when a dead letter does not exist.
	ErrNotFound = errors.New("not found")
)
