// Package identitystore defines persistence for the hub's paired identity.
package identitystore

import (
	"context"
	"time"
)

// Identity is the credential set issued by the remote authority at pairing.
// It is obtained once and reused for every subsequent call.
type Identity struct {
	HubID    string
	Token    string
	PairedAt time.Time
}

// Store persists the single hub identity row.
type Store interface {
	// Load returns the stored identity. A hub that has never paired gets a
	// not_found error.
	Load(ctx context.Context) (Identity, error)
	// Save stores or replaces the identity in one write.
	Save(ctx context.Context, identity Identity) error
}
