// Package devicestore defines persistence contracts for screen liveness records.
package devicestore

import (
	"context"
	"time"
)

// Status reflects the heartbeat-derived availability of a screen.
type Status string

const (
	// StatusPending marks a registered screen that has not yet heartbeated.
	StatusPending Status = "pending"
	// StatusOnline marks a screen with a recent heartbeat.
	StatusOnline Status = "online"
	// StatusOffline marks a screen whose heartbeat has gone stale.
	StatusOffline Status = "offline"
)

// Device is the per-screen liveness record.
type Device struct {
	DeviceID        string
	Name            string
	Status          Status
	LastHeartbeatAt *time.Time
	RegisteredAt    time.Time
}

// Store abstracts persistence for device liveness state.
//
// Status direction is split by owner: TouchHeartbeat (ingress path) is the
// only transition to online; MarkOffline (liveness monitor) is the only
// transition to offline. Pending is entered once, at registration.
type Store interface {
	// Register creates the record when absent and returns it either way.
	Register(ctx context.Context, deviceID, name string) (Device, error)
	// Get returns the record for the device.
	Get(ctx context.Context, deviceID string) (Device, error)
	// List returns all device records.
	List(ctx context.Context) ([]Device, error)
	// TouchHeartbeat sets status online and refreshes the heartbeat timestamp.
	TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) error
	// ListStale returns devices whose last heartbeat is absent or older than
	// the cutoff and whose status is not already offline.
	ListStale(ctx context.Context, cutoff time.Time) ([]Device, error)
	// MarkOffline flips the device to offline.
	MarkOffline(ctx context.Context, deviceID string) error
	// CountByStatus returns the number of devices per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
