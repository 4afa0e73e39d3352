// Package syncstore defines persistence contracts for versioned resource sync
// records and the local content cache.
package syncstore

import (
	"context"
	"strings"
	"time"
)

// ResourceType names a distinct versioned artifact pulled from the remote
// authority.
type ResourceType string

const (
	// ResourceContentManifest is the distributable content listing.
	ResourceContentManifest ResourceType = "content_manifest"
	// ResourceNCMECDB is the missing-children recognition database.
	ResourceNCMECDB ResourceType = "ncmec_db"
	// ResourceLoyaltyDB is the loyalty recognition database.
	ResourceLoyaltyDB ResourceType = "loyalty_db"
	// ResourcePlaylist is the screen playlist definition.
	ResourcePlaylist ResourceType = "playlist"
)

// KnownResourceTypes lists every resource the sync engine manages.
func KnownResourceTypes() []ResourceType {
	return []ResourceType{ResourceContentManifest, ResourceNCMECDB, ResourceLoyaltyDB, ResourcePlaylist}
}

// Resource is the last-known-good sync record for one resource type.
// Version, ContentHash, and LastSyncAt change only after a download has been
// fully verified; failed attempts touch only LastAttemptAt and SyncError.
type Resource struct {
	ResourceType  ResourceType
	Version       string
	ContentHash   string
	ByteSize      int64
	LastSyncAt    *time.Time
	LastAttemptAt *time.Time
	SyncError     string
}

// NeedsUpdate reports whether the remote version/hash pair differs from the
// locally recorded one. An empty local hash (never synced) always updates.
func (r Resource) NeedsUpdate(version, hash string) bool {
	if strings.TrimSpace(r.ContentHash) == "" {
		return true
	}
	return r.Version != version || !strings.EqualFold(r.ContentHash, hash)
}

// ContentItem is one locally cached distributable content file.
type ContentItem struct {
	ContentID      string
	LocalPath      string
	ContentHash    string
	ByteSize       int64
	Kind           string
	CachedAt       time.Time
	LastAccessedAt *time.Time
}

// NeedsUpdate reports whether the cached copy is stale for the remote hash.
func (c ContentItem) NeedsUpdate(remoteHash string) bool {
	if strings.TrimSpace(c.ContentHash) == "" {
		return true
	}
	return !strings.EqualFold(c.ContentHash, remoteHash)
}

// ResourceStore abstracts persistence for resource sync records.
type ResourceStore interface {
	// GetOrCreate returns the record for the type, creating an empty one on
	// first use. Exactly one record exists per resource type.
	GetOrCreate(ctx context.Context, resourceType ResourceType) (Resource, error)
	// RecordSuccess commits version/hash/size and the sync timestamp in one
	// write and clears any recorded error.
	RecordSuccess(ctx context.Context, resourceType ResourceType, version, hash string, byteSize int64, at time.Time) error
	// RecordFailure records the attempt timestamp and error, leaving the
	// last-known-good fields untouched.
	RecordFailure(ctx context.Context, resourceType ResourceType, syncError string, at time.Time) error
	// RecordAttempt refreshes the attempt timestamp alone, for checks that
	// find the local copy already current.
	RecordAttempt(ctx context.Context, resourceType ResourceType, at time.Time) error
	// List returns all resource records.
	List(ctx context.Context) ([]Resource, error)
}

// ContentStore abstracts persistence for the local content cache index.
type ContentStore interface {
	// Upsert installs or refreshes a cache entry keyed by content id.
	Upsert(ctx context.Context, item ContentItem) (ContentItem, error)
	// Get returns the cache entry for the content id.
	Get(ctx context.Context, contentID string) (ContentItem, error)
	// List returns all cache entries.
	List(ctx context.Context) ([]ContentItem, error)
	// Delete removes the cache entry for the content id.
	Delete(ctx context.Context, contentID string) error
	// TouchAccess refreshes the last-accessed timestamp for serving stats.
	TouchAccess(ctx context.Context, contentID string, at time.Time) error
}
