package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
)

// SyncResourceStore persists last-known-good sync records per resource type.
type SyncResourceStore struct {
	pool *pgxpool.Pool
}

// NewSyncResourceStore constructs a SyncResourceStore backed by the provided pool.
func NewSyncResourceStore(pool *pgxpool.Pool) *SyncResourceStore {
	return &SyncResourceStore{pool: pool}
}

const (
	resourceColumns = `
    resource_type,
    version,
    content_hash,
    byte_size,
    last_sync_at,
    last_attempt_at,
    sync_error`

	resourceGetOrCreateSQL = `
INSERT INTO sync_resources (resource_type)
VALUES ($1)
ON CONFLICT (resource_type) DO UPDATE SET resource_type = EXCLUDED.resource_type
RETURNING` + resourceColumns + `;`

	resourceRecordSuccessSQL = `
UPDATE sync_resources
SET version = $2,
    content_hash = $3,
    byte_size = $4,
    last_sync_at = $5,
    last_attempt_at = $5,
    sync_error = NULL
WHERE resource_type = $1;`

	resourceRecordFailureSQL = `
UPDATE sync_resources
SET last_attempt_at = $3,
    sync_error = $2
WHERE resource_type = $1;`

	resourceRecordAttemptSQL = `
UPDATE sync_resources
SET last_attempt_at = $2
WHERE resource_type = $1;`

	resourceListSQL = `
SELECT` + resourceColumns + `
FROM sync_resources
ORDER BY resource_type ASC;`
)

// GetOrCreate returns the record for the type, creating an empty one on
// first use.
func (s *SyncResourceStore) GetOrCreate(ctx context.Context, resourceType syncstore.ResourceType) (syncstore.Resource, error) {
	if s.pool == nil {
		return syncstore.Resource{}, fmt.Errorf("sync store: nil pool")
	}
	if strings.TrimSpace(string(resourceType)) == "" {
		return syncstore.Resource{}, fmt.Errorf("sync store: resource type required")
	}
	row := s.pool.QueryRow(ctx, resourceGetOrCreateSQL, string(resourceType))
	resource, err := scanResource(row)
	if err != nil {
		return syncstore.Resource{}, fmt.Errorf("sync store: get or create: %w", err)
	}
	return resource, nil
}

// RecordSuccess commits the verified version/hash/size and sync timestamp in
// one write, clearing any recorded error.
func (s *SyncResourceStore) RecordSuccess(ctx context.Context, resourceType syncstore.ResourceType, version, hash string, byteSize int64, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("sync store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, resourceRecordSuccessSQL, string(resourceType), strings.TrimSpace(version), strings.TrimSpace(hash), byteSize, at)
	if err != nil {
		return fmt.Errorf("sync store: record success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync store: record success: no rows updated")
	}
	return nil
}

// RecordFailure records only the attempt timestamp and error text, leaving
// the last-known-good fields intact.
func (s *SyncResourceStore) RecordFailure(ctx context.Context, resourceType syncstore.ResourceType, syncError string, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("sync store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, resourceRecordFailureSQL, string(resourceType), strings.TrimSpace(syncError), at)
	if err != nil {
		return fmt.Errorf("sync store: record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync store: record failure: no rows updated")
	}
	return nil
}

// RecordAttempt refreshes the attempt timestamp for a check that found the
// local copy current.
func (s *SyncResourceStore) RecordAttempt(ctx context.Context, resourceType syncstore.ResourceType, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("sync store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, resourceRecordAttemptSQL, string(resourceType), at)
	if err != nil {
		return fmt.Errorf("sync store: record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync store: record attempt: no rows updated")
	}
	return nil
}

// List returns all resource records.
func (s *SyncResourceStore) List(ctx context.Context) ([]syncstore.Resource, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("sync store: nil pool")
	}
	rows, err := s.pool.Query(ctx, resourceListSQL)
	if err != nil {
		return nil, fmt.Errorf("sync store: list: %w", err)
	}
	defer rows.Close()

	var resources []syncstore.Resource
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("sync store: scan resource: %w", err)
		}
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync store: iterate resources: %w", err)
	}
	return resources, nil
}

func scanResource(row rowScanner) (syncstore.Resource, error) {
	var (
		resource      syncstore.Resource
		resourceType  string
		version       pgtype.Text
		contentHash   pgtype.Text
		byteSize      pgtype.Int8
		lastSyncAt    pgtype.Timestamptz
		lastAttemptAt pgtype.Timestamptz
		syncError     pgtype.Text
	)
	if err := row.Scan(
		&resourceType,
		&version,
		&contentHash,
		&byteSize,
		&lastSyncAt,
		&lastAttemptAt,
		&syncError,
	); err != nil {
		return syncstore.Resource{}, err
	}
	resource.ResourceType = syncstore.ResourceType(resourceType)
	if version.Valid {
		resource.Version = version.String
	}
	if contentHash.Valid {
		resource.ContentHash = contentHash.String
	}
	if byteSize.Valid {
		resource.ByteSize = byteSize.Int64
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		resource.LastSyncAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		resource.LastAttemptAt = &t
	}
	if syncError.Valid {
		resource.SyncError = syncError.String
	}
	return resource, nil
}

var _ syncstore.ResourceStore = (*SyncResourceStore)(nil)
