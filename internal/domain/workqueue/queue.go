// Package workqueue defines the durable store-and-forward queue contract.
//
// Two queues share this contract: the alert queue and the heartbeat queue.
// Items are persisted before the enqueue call returns; that write is the
// durability boundary for the ingress path.
package workqueue

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status tracks the delivery lifecycle of a queued item.
type Status string

const (
	// StatusPending marks an item awaiting its first delivery attempt.
	StatusPending Status = "pending"
	// StatusSending marks an item with a delivery attempt in flight.
	StatusSending Status = "sending"
	// StatusSent marks an item acknowledged by the remote authority.
	StatusSent Status = "sent"
	// StatusFailed marks an item awaiting retry after at least one failure.
	StatusFailed Status = "failed"
)

// HeartbeatKind is the fixed kind for heartbeat queue entries. Alert kinds
// are free-form (ncmec_match, system_error, ...).
const HeartbeatKind = "screen"

// Event encapsulates a single entry ready to be enqueued.
type Event struct {
	SubjectID string
	Kind      string
	Payload   json.RawMessage
}

// Item captures the persisted state of a queue entry.
type Item struct {
	ID            int64
	SubjectID     string
	Kind          string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	ErrorMessage  string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextRetryAt   time.Time
}

// Store abstracts persistence operations for one durable queue.
//
// Lifecycle invariant: pending/failed -> sending -> {sent | failed}. The
// forwarders never delete; PurgeSent removes only sent rows past retention,
// and EnforceMaxSize is the single sanctioned drop path (heartbeats only).
type Store interface {
	// Enqueue persists the event and returns the stored item. The item is
	// immediately eligible for delivery.
	Enqueue(ctx context.Context, evt Event) (Item, error)
	// DequeueReady returns items with status pending or failed whose retry
	// time has arrived, oldest first, capped at limit.
	DequeueReady(ctx context.Context, limit int) ([]Item, error)
	// MarkSending transitions the item to sending and counts the attempt.
	MarkSending(ctx context.Context, id int64) error
	// MarkFailed records the failure and schedules the next retry after delay.
	MarkFailed(ctx context.Context, id int64, message string, delay time.Duration) error
	// MarkSent finalises the item and clears any recorded error.
	MarkSent(ctx context.Context, id int64) error
	// RecoverStuck requeues items left in sending by a crashed process,
	// making them immediately eligible again. Returns the number requeued.
	RecoverStuck(ctx context.Context) (int64, error)
	// EnforceMaxSize deletes the oldest undelivered entries beyond cap and
	// returns the number removed.
	EnforceMaxSize(ctx context.Context, cap int) (int64, error)
	// PurgeSent deletes sent items older than the retention cutoff and
	// returns the number removed.
	PurgeSent(ctx context.Context, olderThan time.Time) (int64, error)
	// Depth reports the number of undelivered items (pending+sending+failed).
	Depth(ctx context.Context) (int64, error)
}
