package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
	"github.com/beaconsafe/sentinel/internal/remote"
)

type memoryResourceStore struct {
	mu      sync.Mutex
	records map[syncstore.ResourceType]*syncstore.Resource
}

func newMemoryResourceStore() *memoryResourceStore {
	return &memoryResourceStore{records: make(map[syncstore.ResourceType]*syncstore.Resource)}
}

func (s *memoryResourceStore) GetOrCreate(_ context.Context, resourceType syncstore.ResourceType) (syncstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[resourceType]; ok {
		return *record, nil
	}
	record := &syncstore.Resource{ResourceType: resourceType}
	s.records[resourceType] = record
	return *record, nil
}

func (s *memoryResourceStore) RecordSuccess(_ context.Context, resourceType syncstore.ResourceType, version, hash string, byteSize int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[resourceType]
	if !ok {
		record = &syncstore.Resource{ResourceType: resourceType}
		s.records[resourceType] = record
	}
	record.Version = version
	record.ContentHash = hash
	record.ByteSize = byteSize
	record.LastSyncAt = &at
	record.LastAttemptAt = &at
	record.SyncError = ""
	return nil
}

func (s *memoryResourceStore) RecordFailure(_ context.Context, resourceType syncstore.ResourceType, syncError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[resourceType]
	if !ok {
		record = &syncstore.Resource{ResourceType: resourceType}
		s.records[resourceType] = record
	}
	record.LastAttemptAt = &at
	record.SyncError = syncError
	return nil
}

func (s *memoryResourceStore) RecordAttempt(_ context.Context, resourceType syncstore.ResourceType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[resourceType]
	if !ok {
		record = &syncstore.Resource{ResourceType: resourceType}
		s.records[resourceType] = record
	}
	record.LastAttemptAt = &at
	return nil
}

func (s *memoryResourceStore) List(context.Context) ([]syncstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]syncstore.Resource, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, *record)
	}
	return out, nil
}

func (s *memoryResourceStore) get(resourceType syncstore.ResourceType) syncstore.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[resourceType]
}

var _ syncstore.ResourceStore = (*memoryResourceStore)(nil)

type memoryContentStore struct {
	mu    sync.Mutex
	items map[string]*syncstore.ContentItem
}

func newMemoryContentStore() *memoryContentStore {
	return &memoryContentStore{items: make(map[string]*syncstore.ContentItem)}
}

func (s *memoryContentStore) Upsert(_ context.Context, item syncstore.ContentItem) (syncstore.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := item
	s.items[item.ContentID] = &stored
	return stored, nil
}

func (s *memoryContentStore) Get(_ context.Context, contentID string) (syncstore.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[contentID]
	if !ok {
		return syncstore.ContentItem{}, errors.New("not found")
	}
	return *item, nil
}

func (s *memoryContentStore) List(context.Context) ([]syncstore.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]syncstore.ContentItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	return out, nil
}

func (s *memoryContentStore) Delete(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, contentID)
	return nil
}

func (s *memoryContentStore) TouchAccess(_ context.Context, contentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[contentID]; ok {
		item.LastAccessedAt = &at
	}
	return nil
}

var _ syncstore.ContentStore = (*memoryContentStore)(nil)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeRemote serves versions, manifests, and downloads from in-memory bytes.
type fakeRemote struct {
	mu          sync.Mutex
	versions    map[syncstore.ResourceType]remote.VersionManifest
	resources   map[syncstore.ResourceType][]byte
	manifest    []remote.ManifestEntry
	contents    map[string][]byte
	versionErr  error
	downloadErr error
	downloads   int
}

func (f *fakeRemote) ResourceVersion(_ context.Context, resourceType syncstore.ResourceType) (remote.VersionManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionErr != nil {
		return remote.VersionManifest{}, f.versionErr
	}
	return f.versions[resourceType], nil
}

func (f *fakeRemote) DownloadResource(_ context.Context, resourceType syncstore.ResourceType, destination string) (remote.DownloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return remote.DownloadResult{}, f.downloadErr
	}
	return writeFake(destination, f.resources[resourceType])
}

func (f *fakeRemote) ContentManifest(context.Context) ([]remote.ManifestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifest, nil
}

func (f *fakeRemote) DownloadContent(_ context.Context, contentID, destination string) (remote.DownloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return remote.DownloadResult{}, f.downloadErr
	}
	data, ok := f.contents[contentID]
	if !ok {
		return remote.DownloadResult{}, errors.New("unknown content id")
	}
	return writeFake(destination, data)
}

func writeFake(destination string, data []byte) (remote.DownloadResult, error) {
	if err := os.WriteFile(destination, data, 0o644); err != nil {
		return remote.DownloadResult{}, err
	}
	return remote.DownloadResult{Path: destination, SHA256: hashOf(data), ByteSize: int64(len(data))}, nil
}

func newTestEngine(t *testing.T, fake *fakeRemote, opts ...Option) (*Engine, *memoryResourceStore, *memoryContentStore, string) {
	t.Helper()
	base := t.TempDir()
	resourceDir := filepath.Join(base, "resources")
	contentDir := filepath.Join(base, "content")
	require.NoError(t, os.MkdirAll(resourceDir, 0o755))
	require.NoError(t, os.MkdirAll(contentDir, 0o755))

	resources := newMemoryResourceStore()
	content := newMemoryContentStore()
	engine := New(resources, content, fake, fake, resourceDir, contentDir, opts...)
	return engine, resources, content, base
}

func TestSyncResourceFirstDownload(t *testing.T) {
	payload := []byte("ncmec snapshot v1")
	fake := &fakeRemote{
		versions: map[syncstore.ResourceType]remote.VersionManifest{
			syncstore.ResourceNCMECDB: {Version: "v1", Hash: hashOf(payload), Size: int64(len(payload))},
		},
		resources: map[syncstore.ResourceType][]byte{syncstore.ResourceNCMECDB: payload},
	}
	engine, resources, _, base := newTestEngine(t, fake)

	outcome, err := engine.SyncResource(context.Background(), syncstore.ResourceNCMECDB)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)

	record := resources.get(syncstore.ResourceNCMECDB)
	require.Equal(t, "v1", record.Version)
	require.Equal(t, hashOf(payload), record.ContentHash)
	require.NotNil(t, record.LastSyncAt)
	require.Empty(t, record.SyncError)

	installed, err := os.ReadFile(filepath.Join(base, "resources", "ncmec_db"))
	require.NoError(t, err)
	require.Equal(t, payload, installed)
}

func TestSyncResourceUpToDateSkipsDownload(t *testing.T) {
	payload := []byte("stable payload")
	fake := &fakeRemote{
		versions: map[syncstore.ResourceType]remote.VersionManifest{
			syncstore.ResourcePlaylist: {Version: "v3", Hash: hashOf(payload), Size: int64(len(payload))},
		},
		resources: map[syncstore.ResourceType][]byte{syncstore.ResourcePlaylist: payload},
	}
	engine, resources, _, _ := newTestEngine(t, fake)
	syncedAt := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, resources.RecordSuccess(context.Background(), syncstore.ResourcePlaylist,
		"v3", hashOf(payload), int64(len(payload)), syncedAt))

	outcome, err := engine.SyncResource(context.Background(), syncstore.ResourcePlaylist)
	require.NoError(t, err)
	require.Equal(t, OutcomeCurrent, outcome)
	require.Zero(t, fake.downloads)

	// The unchanged check still counts as an attempt; the sync timestamp and
	// last-known-good fields stay put.
	record := resources.get(syncstore.ResourcePlaylist)
	require.NotNil(t, record.LastAttemptAt)
	require.True(t, record.LastAttemptAt.After(syncedAt))
	require.NotNil(t, record.LastSyncAt)
	require.Equal(t, syncedAt, *record.LastSyncAt)
	require.Equal(t, "v3", record.Version)
}

func TestSyncResourceHashMismatchDoesNotRegress(t *testing.T) {
	goodPayload := []byte("known good")
	badPayload := []byte("corrupted transfer")
	fake := &fakeRemote{
		versions: map[syncstore.ResourceType]remote.VersionManifest{
			syncstore.ResourceNCMECDB: {Version: "v2", Hash: "0000deadbeef", Size: int64(len(badPayload))},
		},
		resources: map[syncstore.ResourceType][]byte{syncstore.ResourceNCMECDB: badPayload},
	}
	engine, resources, _, base := newTestEngine(t, fake)

	finalPath := filepath.Join(base, "resources", "ncmec_db")
	require.NoError(t, os.WriteFile(finalPath, goodPayload, 0o644))
	require.NoError(t, resources.RecordSuccess(context.Background(), syncstore.ResourceNCMECDB,
		"v1", hashOf(goodPayload), int64(len(goodPayload)), time.Now().UTC()))

	outcome, err := engine.SyncResource(context.Background(), syncstore.ResourceNCMECDB)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	record := resources.get(syncstore.ResourceNCMECDB)
	require.Equal(t, "v1", record.Version, "last-known-good version must survive a bad pull")
	require.Equal(t, hashOf(goodPayload), record.ContentHash)
	require.Contains(t, record.SyncError, "hash mismatch")

	onDisk, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, goodPayload, onDisk, "artifact must not change on a failed pull")

	entries, err := os.ReadDir(filepath.Join(base, "resources"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp download must be cleaned up")
}

func TestSyncResourceDownloadErrorRecordsFailure(t *testing.T) {
	fake := &fakeRemote{
		versions: map[syncstore.ResourceType]remote.VersionManifest{
			syncstore.ResourceLoyaltyDB: {Version: "v1", Hash: "abc", Size: 3},
		},
		downloadErr: errors.New("connection reset"),
	}
	engine, resources, _, _ := newTestEngine(t, fake)

	outcome, err := engine.SyncResource(context.Background(), syncstore.ResourceLoyaltyDB)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	record := resources.get(syncstore.ResourceLoyaltyDB)
	require.Empty(t, record.Version)
	require.Contains(t, record.SyncError, "connection reset")
	require.NotNil(t, record.LastAttemptAt)
	require.Nil(t, record.LastSyncAt)
}

func TestSyncContentDownloadsAndPrunes(t *testing.T) {
	keepData := []byte("promo video bytes")
	newData := []byte("fresh campaign")
	fake := &fakeRemote{
		manifest: []remote.ManifestEntry{
			{ContentID: "promo-keep", Hash: hashOf(keepData), Size: int64(len(keepData)), Kind: "video"},
			{ContentID: "promo-new", Hash: hashOf(newData), Size: int64(len(newData)), Kind: "image"},
		},
		contents: map[string][]byte{
			"promo-keep": keepData,
			"promo-new":  newData,
		},
	}
	engine, _, content, base := newTestEngine(t, fake)

	// promo-keep is already cached and current; promo-stale is no longer listed.
	keepPath := filepath.Join(base, "content", "promo-keep")
	require.NoError(t, os.WriteFile(keepPath, keepData, 0o644))
	_, err := content.Upsert(context.Background(), syncstore.ContentItem{
		ContentID: "promo-keep", LocalPath: keepPath, ContentHash: hashOf(keepData),
		ByteSize: int64(len(keepData)), Kind: "video", CachedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	stalePath := filepath.Join(base, "content", "promo-stale")
	require.NoError(t, os.WriteFile(stalePath, []byte("old"), 0o644))
	_, err = content.Upsert(context.Background(), syncstore.ContentItem{
		ContentID: "promo-stale", LocalPath: stalePath, ContentHash: "aaa",
		ByteSize: 3, Kind: "video", CachedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, engine.SyncContent(context.Background()))

	_, err = content.Get(context.Background(), "promo-new")
	require.NoError(t, err)
	_, err = content.Get(context.Background(), "promo-stale")
	require.Error(t, err, "unlisted content must be pruned")
	_, statErr := os.Stat(stalePath)
	require.True(t, os.IsNotExist(statErr))

	require.Equal(t, 1, fake.downloads, "current content must not be re-downloaded")
}

func TestSyncContentPruneDisabledKeepsUnlisted(t *testing.T) {
	fake := &fakeRemote{}
	engine, _, content, base := newTestEngine(t, fake, WithPrune(false))

	stalePath := filepath.Join(base, "content", "promo-old")
	require.NoError(t, os.WriteFile(stalePath, []byte("old"), 0o644))
	_, err := content.Upsert(context.Background(), syncstore.ContentItem{
		ContentID: "promo-old", LocalPath: stalePath, ContentHash: "aaa",
		ByteSize: 3, CachedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, engine.SyncContent(context.Background()))

	_, err = content.Get(context.Background(), "promo-old")
	require.NoError(t, err)
	_, statErr := os.Stat(stalePath)
	require.NoError(t, statErr)
}

func TestSyncContentRefreshesChangedHash(t *testing.T) {
	newData := []byte("updated promo")
	fake := &fakeRemote{
		manifest: []remote.ManifestEntry{
			{ContentID: "promo-1", Hash: hashOf(newData), Size: int64(len(newData)), Kind: "video"},
		},
		contents: map[string][]byte{"promo-1": newData},
	}
	engine, _, content, base := newTestEngine(t, fake)

	oldPath := filepath.Join(base, "content", "promo-1")
	require.NoError(t, os.WriteFile(oldPath, []byte("outdated"), 0o644))
	_, err := content.Upsert(context.Background(), syncstore.ContentItem{
		ContentID: "promo-1", LocalPath: oldPath, ContentHash: "oldhash",
		ByteSize: 8, CachedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, engine.SyncContent(context.Background()))

	item, err := content.Get(context.Background(), "promo-1")
	require.NoError(t, err)
	require.Equal(t, hashOf(newData), item.ContentHash)

	onDisk, err := os.ReadFile(oldPath)
	require.NoError(t, err)
	require.Equal(t, newData, onDisk)
}
