// Package bus abstracts the shared store every gateway process coordinates
// through: a TTL-bearing presence record per user and a publish/subscribe
// relay for room events. The NATS implementation backs production; the
// in-memory one backs tests and single-process runs.
package bus

import "time"

// Handler receives one published message. Handlers must not block; the
// implementations call them from their own delivery goroutines.
type Handler func(topic string, data []byte)

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the only cross-process shared mutable resource in the system.
type Bus interface {
	// Publish sends data on a topic to every subscriber on every process.
	Publish(topic string, data []byte) error
	// Subscribe registers a handler for a topic pattern. A pattern may end
	// in ".*" to match exactly one extra token.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// PutPresence writes or refreshes the user's presence record with the
	// given TTL. The record is the cluster-wide source of truth for
	// "is this user online anywhere".
	PutPresence(key string, ttl time.Duration) error
	// DeletePresence removes the record immediately.
	DeletePresence(key string) error
	// PresenceExists reports whether an unexpired record is present.
	PresenceExists(key string) (bool, error)

	Close()
}
