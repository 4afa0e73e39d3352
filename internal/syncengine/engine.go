// Package syncengine pulls versioned resources and distributable content from
// the remote authority into the local store.
//
// Downloads land in a temporary file in the destination directory, are hash
// verified, and are renamed into place before the database records success.
// The local state therefore never regresses: a failed pull leaves the
// last-known-good artifact and record untouched.
package syncengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
	"github.com/beaconsafe/sentinel/internal/observability"
	"github.com/beaconsafe/sentinel/internal/remote"
)

const componentName = "syncengine"

// ResourceFetcher is the slice of the remote client the resource sync needs.
type ResourceFetcher interface {
	ResourceVersion(ctx context.Context, resourceType syncstore.ResourceType) (remote.VersionManifest, error)
	DownloadResource(ctx context.Context, resourceType syncstore.ResourceType, destination string) (remote.DownloadResult, error)
}

// ContentFetcher is the slice of the remote client the content sync needs.
type ContentFetcher interface {
	ContentManifest(ctx context.Context) ([]remote.ManifestEntry, error)
	DownloadContent(ctx context.Context, contentID, destination string) (remote.DownloadResult, error)
}

// Engine coordinates resource and content synchronisation.
type Engine struct {
	resources   syncstore.ResourceStore
	content     syncstore.ContentStore
	fetcher     ResourceFetcher
	contentSrc  ContentFetcher
	resourceDir string
	contentDir  string
	prune       bool
	clock       func() time.Time
}

// Option adjusts Engine construction.
type Option func(*Engine)

// WithPrune controls whether content sync removes cached files absent from
// the remote manifest.
func WithPrune(enabled bool) Option {
	return func(e *Engine) { e.prune = enabled }
}

// New constructs an Engine writing resources under resourceDir and content
// under contentDir.
func New(resources syncstore.ResourceStore, content syncstore.ContentStore, fetcher ResourceFetcher, contentSrc ContentFetcher, resourceDir, contentDir string, opts ...Option) *Engine {
	engine := &Engine{
		resources:   resources,
		content:     content,
		fetcher:     fetcher,
		contentSrc:  contentSrc,
		resourceDir: resourceDir,
		contentDir:  contentDir,
		prune:       true,
		clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// SyncOutcome reports what one resource pass decided.
type SyncOutcome string

const (
	// OutcomeCurrent means the local copy already matches the remote.
	OutcomeCurrent SyncOutcome = "current"
	// OutcomeUpdated means a new artifact was verified and installed.
	OutcomeUpdated SyncOutcome = "updated"
	// OutcomeFailed means the pass failed and local state is unchanged.
	OutcomeFailed SyncOutcome = "failed"
)

// SyncAll runs one pass over every known resource type and then the content
// cache. A failure in one resource does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) error {
	var firstErr error
	for _, resourceType := range syncstore.KnownResourceTypes() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.SyncResource(ctx, resourceType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.SyncContent(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SyncResource brings one resource up to the remote version. Local state
// changes only after the downloaded artifact has been verified and renamed
// into place.
func (e *Engine) SyncResource(ctx context.Context, resourceType syncstore.ResourceType) (SyncOutcome, error) {
	labels := map[string]string{"resource": string(resourceType)}
	observability.Telemetry().IncCounter(observability.MetricSyncRuns, 1, labels)

	outcome, err := e.syncResource(ctx, resourceType)
	if err != nil {
		observability.Telemetry().IncCounter(observability.MetricSyncFailures, 1, labels)
		if recordErr := e.resources.RecordFailure(ctx, resourceType, err.Error(), e.clock()); recordErr != nil {
			observability.Log().Error("record sync failure",
				observability.Field{Key: "resource", Value: string(resourceType)},
				observability.Field{Key: "error", Value: recordErr.Error()})
		}
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (e *Engine) syncResource(ctx context.Context, resourceType syncstore.ResourceType) (SyncOutcome, error) {
	record, err := e.resources.GetOrCreate(ctx, resourceType)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load sync record: %w", err)
	}

	manifest, err := e.fetcher.ResourceVersion(ctx, resourceType)
	if err != nil {
		return OutcomeFailed, err
	}
	if !record.NeedsUpdate(manifest.Version, manifest.Hash) {
		// The check itself counts as an attempt, so operators can tell a
		// current resource from one that has not been checked at all.
		if err := e.resources.RecordAttempt(ctx, resourceType, e.clock()); err != nil {
			observability.Log().Error("record sync attempt",
				observability.Field{Key: "resource", Value: string(resourceType)},
				observability.Field{Key: "error", Value: err.Error()})
		}
		return OutcomeCurrent, nil
	}

	finalPath := filepath.Join(e.resourceDir, string(resourceType))
	tempPath := finalPath + ".tmp-" + uuid.NewString()
	result, err := e.fetcher.DownloadResource(ctx, resourceType, tempPath)
	if err != nil {
		removeTemp(tempPath)
		return OutcomeFailed, err
	}

	if !strings.EqualFold(result.SHA256, manifest.Hash) {
		removeTemp(tempPath)
		return OutcomeFailed, errs.New(componentName, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s hash mismatch: manifest %s, downloaded %s",
				resourceType, manifest.Hash, result.SHA256)))
	}
	if manifest.Size > 0 && result.ByteSize != manifest.Size {
		removeTemp(tempPath)
		return OutcomeFailed, errs.New(componentName, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s size mismatch: manifest %d, downloaded %d",
				resourceType, manifest.Size, result.ByteSize)))
	}

	// Rename within the same directory so the swap is atomic; a crash here
	// leaves either the old artifact or the new one, never a partial write.
	if err := os.Rename(tempPath, finalPath); err != nil {
		removeTemp(tempPath)
		return OutcomeFailed, fmt.Errorf("install %s artifact: %w", resourceType, err)
	}

	if err := e.resources.RecordSuccess(ctx, resourceType, manifest.Version, result.SHA256, result.ByteSize, e.clock()); err != nil {
		return OutcomeFailed, fmt.Errorf("record %s sync success: %w", resourceType, err)
	}

	observability.Log().Info("resource synced",
		observability.Field{Key: "resource", Value: string(resourceType)},
		observability.Field{Key: "version", Value: manifest.Version},
		observability.Field{Key: "bytes", Value: result.ByteSize})
	return OutcomeUpdated, nil
}

// ContentSyncResult summarises one content pass.
type ContentSyncResult struct {
	Downloaded int
	Pruned     int
	Failed     int
}

// SyncContent reconciles the local content cache against the remote manifest:
// fetch what is new or changed, optionally prune what the manifest no longer
// lists.
func (e *Engine) SyncContent(ctx context.Context) error {
	result, err := e.syncContent(ctx)
	if err != nil {
		observability.Telemetry().IncCounter(observability.MetricSyncFailures, 1,
			map[string]string{"resource": "content"})
		return err
	}
	if result.Downloaded > 0 || result.Pruned > 0 {
		observability.Log().Info("content cache reconciled",
			observability.Field{Key: "downloaded", Value: result.Downloaded},
			observability.Field{Key: "pruned", Value: result.Pruned},
			observability.Field{Key: "failed", Value: result.Failed})
	}
	return nil
}

func (e *Engine) syncContent(ctx context.Context) (ContentSyncResult, error) {
	var result ContentSyncResult

	manifest, err := e.contentSrc.ContentManifest(ctx)
	if err != nil {
		return result, err
	}

	cached, err := e.content.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list cached content: %w", err)
	}
	cachedByID := make(map[string]syncstore.ContentItem, len(cached))
	for _, item := range cached {
		cachedByID[item.ContentID] = item
	}

	wanted := make(map[string]struct{}, len(manifest))
	for _, entry := range manifest {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		wanted[entry.ContentID] = struct{}{}

		item, exists := cachedByID[entry.ContentID]
		if exists && !item.NeedsUpdate(entry.Hash) {
			continue
		}
		if err := e.fetchContent(ctx, entry); err != nil {
			result.Failed++
			observability.Log().Error("content download failed",
				observability.Field{Key: "content_id", Value: entry.ContentID},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		result.Downloaded++
	}

	if e.prune {
		for _, item := range cached {
			if _, keep := wanted[item.ContentID]; keep {
				continue
			}
			if err := e.pruneContent(ctx, item); err != nil {
				observability.Log().Error("content prune failed",
					observability.Field{Key: "content_id", Value: item.ContentID},
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			result.Pruned++
		}
	}

	return result, nil
}

func (e *Engine) fetchContent(ctx context.Context, entry remote.ManifestEntry) error {
	finalPath := filepath.Join(e.contentDir, entry.ContentID)
	tempPath := finalPath + ".tmp-" + uuid.NewString()

	download, err := e.contentSrc.DownloadContent(ctx, entry.ContentID, tempPath)
	if err != nil {
		removeTemp(tempPath)
		return err
	}
	if !strings.EqualFold(download.SHA256, entry.Hash) {
		removeTemp(tempPath)
		return errs.New(componentName, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("content %s hash mismatch: manifest %s, downloaded %s",
				entry.ContentID, entry.Hash, download.SHA256)))
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		removeTemp(tempPath)
		return fmt.Errorf("install content %s: %w", entry.ContentID, err)
	}

	_, err = e.content.Upsert(ctx, syncstore.ContentItem{
		ContentID:   entry.ContentID,
		LocalPath:   finalPath,
		ContentHash: download.SHA256,
		ByteSize:    download.ByteSize,
		Kind:        entry.Kind,
		CachedAt:    e.clock(),
	})
	if err != nil {
		return fmt.Errorf("index content %s: %w", entry.ContentID, err)
	}
	return nil
}

func (e *Engine) pruneContent(ctx context.Context, item syncstore.ContentItem) error {
	if item.LocalPath != "" {
		if err := os.Remove(item.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove cached file: %w", err)
		}
	}
	if err := e.content.Delete(ctx, item.ContentID); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		observability.Log().Debug("remove temp download",
			observability.Field{Key: "path", Value: path},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
