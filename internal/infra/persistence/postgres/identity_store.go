package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/identitystore"
)

// IdentityStore persists the single hub identity row issued at pairing.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore constructs an IdentityStore backed by the provided pool.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

const (
	identityLoadSQL = `
SELECT hub_id, token, paired_at
FROM hub_identity
WHERE singleton = TRUE;`

	identitySaveSQL = `
INSERT INTO hub_identity (singleton, hub_id, token, paired_at)
VALUES (TRUE, $1, $2, $3)
ON CONFLICT (singleton) DO UPDATE
SET hub_id = EXCLUDED.hub_id,
    token = EXCLUDED.token,
    paired_at = EXCLUDED.paired_at;`
)

// Load returns the stored identity, or a not_found error when the hub has
// never paired.
func (s *IdentityStore) Load(ctx context.Context) (identitystore.Identity, error) {
	if s.pool == nil {
		return identitystore.Identity{}, fmt.Errorf("identity store: nil pool")
	}
	var identity identitystore.Identity
	err := s.pool.QueryRow(ctx, identityLoadSQL).Scan(&identity.HubID, &identity.Token, &identity.PairedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identitystore.Identity{}, errs.New("identity store", errs.CodeNotFound,
				errs.WithMessage("hub not paired"),
				errs.WithRemediation("run pairing against the remote authority"))
		}
		return identitystore.Identity{}, fmt.Errorf("identity store: load: %w", err)
	}
	return identity, nil
}

// Save stores or replaces the identity in one write.
func (s *IdentityStore) Save(ctx context.Context, identity identitystore.Identity) error {
	if s.pool == nil {
		return fmt.Errorf("identity store: nil pool")
	}
	if strings.TrimSpace(identity.HubID) == "" {
		return fmt.Errorf("identity store: hub id required")
	}
	if strings.TrimSpace(identity.Token) == "" {
		return fmt.Errorf("identity store: token required")
	}
	if _, err := s.pool.Exec(ctx, identitySaveSQL, identity.HubID, identity.Token, identity.PairedAt); err != nil {
		return fmt.Errorf("identity store: save: %w", err)
	}
	return nil
}

var _ identitystore.Store = (*IdentityStore)(nil)
