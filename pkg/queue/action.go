// Package queue holds side-effecting requests made while offline and replays
// them in enqueue order once connectivity returns.
//
// The queue never inspects payloads. Each action kind maps to one replay
// endpoint supplied by the Transport.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownKind is returned by Enqueue for a kind the transport cannot replay.
	ErrUnknownKind = errors.New("queue: unknown action kind")

	// ErrReplayFailed is returned by a Transport when an action was not accepted.
	ErrReplayFailed = errors.New("queue: replay failed")

	// ErrActionNotFound is returned by Log.Remove for an unknown id.
	ErrActionNotFound = errors.New("queue: action not found")

	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("queue: log closed")
)

// Kind identifies what an action does and where it is replayed.
type Kind string

const (
	KindAnalyticsEvent   Kind = "analytics-event"
	KindPriceSyncRequest Kind = "price-sync-request"
	KindUserInteraction  Kind = "user-interaction"
)

// Action is one deferred side effect. Actions are never modified or merged.
type Action struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Log is the persistent, append-only action log.
type Log interface {
	// Append adds an action at the tail.
	Append(ctx context.Context, action Action) error

	// List returns every queued action, oldest first.
	List(ctx context.Context) ([]Action, error)

	// Remove deletes the action with id. Returns ErrActionNotFound if absent.
	Remove(ctx context.Context, id string) error

	// Len returns the number of queued actions.
	Len(ctx context.Context) (int, error)

	// Close releases resources held by the log.
	Close() error
}
