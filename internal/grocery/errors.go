package grocery

import "errors"

var (
	// ErrBlocked signals that the store's anti-automation layer interrupted a fetch.
	ErrBlocked = errors.New("soft block detected")
	// ErrTransient wraps timeouts and network failures.
	ErrTransient = errors.New("transient fetch error")
	// ErrIntegrity signals that a save would have lost previously persisted records.
	ErrIntegrity = errors.New("persistence integrity violation")
	// ErrQueueClosed is returned when dequeuing from a closed queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)
