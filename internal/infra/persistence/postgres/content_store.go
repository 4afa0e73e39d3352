package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
)

// ContentStore persists the local content cache index.
type ContentStore struct {
	pool *pgxpool.Pool
}

// NewContentStore constructs a ContentStore backed by the provided pool.
func NewContentStore(pool *pgxpool.Pool) *ContentStore {
	return &ContentStore{pool: pool}
}

const (
	contentColumns = `
    content_id,
    local_path,
    content_hash,
    byte_size,
    kind,
    cached_at,
    last_accessed_at`

	contentUpsertSQL = `
INSERT INTO cached_content (content_id, local_path, content_hash, byte_size, kind, cached_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (content_id) DO UPDATE
SET local_path = EXCLUDED.local_path,
    content_hash = EXCLUDED.content_hash,
    byte_size = EXCLUDED.byte_size,
    kind = EXCLUDED.kind,
    cached_at = EXCLUDED.cached_at
RETURNING` + contentColumns + `;`

	contentGetSQL = `
SELECT` + contentColumns + `
FROM cached_content
WHERE content_id = $1;`

	contentListSQL = `
SELECT` + contentColumns + `
FROM cached_content
ORDER BY content_id ASC;`

	contentDeleteSQL = `
DELETE FROM cached_content
WHERE content_id = $1;`

	contentTouchAccessSQL = `
UPDATE cached_content
SET last_accessed_at = $2
WHERE content_id = $1;`
)

// Upsert installs or refreshes a cache entry keyed by content id.
func (s *ContentStore) Upsert(ctx context.Context, item syncstore.ContentItem) (syncstore.ContentItem, error) {
	if s.pool == nil {
		return syncstore.ContentItem{}, fmt.Errorf("content store: nil pool")
	}
	contentID := strings.TrimSpace(item.ContentID)
	if contentID == "" {
		return syncstore.ContentItem{}, fmt.Errorf("content store: content id required")
	}
	if strings.TrimSpace(item.LocalPath) == "" {
		return syncstore.ContentItem{}, fmt.Errorf("content store: local path required")
	}
	cachedAt := item.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, contentUpsertSQL, contentID, item.LocalPath, item.ContentHash, item.ByteSize, item.Kind, cachedAt)
	stored, err := scanContentItem(row)
	if err != nil {
		return syncstore.ContentItem{}, fmt.Errorf("content store: upsert: %w", err)
	}
	return stored, nil
}

// Get returns the cache entry for the content id.
func (s *ContentStore) Get(ctx context.Context, contentID string) (syncstore.ContentItem, error) {
	if s.pool == nil {
		return syncstore.ContentItem{}, fmt.Errorf("content store: nil pool")
	}
	row := s.pool.QueryRow(ctx, contentGetSQL, strings.TrimSpace(contentID))
	item, err := scanContentItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return syncstore.ContentItem{}, errs.New("content store", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("content %s not cached", contentID)))
		}
		return syncstore.ContentItem{}, fmt.Errorf("content store: get: %w", err)
	}
	return item, nil
}

// List returns all cache entries.
func (s *ContentStore) List(ctx context.Context) ([]syncstore.ContentItem, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("content store: nil pool")
	}
	rows, err := s.pool.Query(ctx, contentListSQL)
	if err != nil {
		return nil, fmt.Errorf("content store: list: %w", err)
	}
	defer rows.Close()

	var items []syncstore.ContentItem
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("content store: scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("content store: iterate items: %w", err)
	}
	return items, nil
}

// Delete removes the cache entry for the content id.
func (s *ContentStore) Delete(ctx context.Context, contentID string) error {
	if s.pool == nil {
		return fmt.Errorf("content store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, contentDeleteSQL, strings.TrimSpace(contentID))
	if err != nil {
		return fmt.Errorf("content store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content store: delete: no rows deleted")
	}
	return nil
}

// TouchAccess refreshes the last-accessed timestamp.
func (s *ContentStore) TouchAccess(ctx context.Context, contentID string, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("content store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, contentTouchAccessSQL, strings.TrimSpace(contentID), at); err != nil {
		return fmt.Errorf("content store: touch access: %w", err)
	}
	return nil
}

func scanContentItem(row rowScanner) (syncstore.ContentItem, error) {
	var (
		item         syncstore.ContentItem
		contentHash  pgtype.Text
		kind         pgtype.Text
		lastAccessed pgtype.Timestamptz
	)
	if err := row.Scan(
		&item.ContentID,
		&item.LocalPath,
		&contentHash,
		&item.ByteSize,
		&kind,
		&item.CachedAt,
		&lastAccessed,
	); err != nil {
		return syncstore.ContentItem{}, err
	}
	if contentHash.Valid {
		item.ContentHash = contentHash.String
	}
	if kind.Valid {
		item.Kind = kind.String
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		item.LastAccessedAt = &t
	}
	return item, nil
}

var _ syncstore.ContentStore = (*ContentStore)(nil)
