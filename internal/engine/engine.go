// Package engine implements the reconciliation core: for one client it
// diffs remote source listings against the cached item records, deletes
// stale records, reuses summaries for unchanged items, and drives
// fetch+summarize+upsert for everything new or changed, streaming progress
// to the caller throughout. The durable store is the source of truth; the
// search index is rebuilt from it at the end of every pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/source"
	"github.com/shelfsync/shelfsync/internal/summarize"
)

var tracer = otel.Tracer("shelfsync/engine")

// batchSize bounds concurrent outbound fetch+summarize calls. Items within
// a batch run concurrently; batches run sequentially.
const batchSize = 5

var (
	// ErrNoSources means the client has no source configs matching the pass
	ErrNoSources = errors.New("client has no configured sources for this pass")

	// ErrItemNotFound means a single-item resync referenced an unknown item
	ErrItemNotFound = errors.New("item not cached for client")

	// ErrDuplicateSource means two configs share a kind. The diff and
	// deletion pass scope cached items by kind, so same-kind sources would
	// see each other's items as stale.
	ErrDuplicateSource = errors.New("client has multiple sources of the same kind")
)

// Store is the durable persistence the engine reconciles against.
// *db.DB satisfies it.
type Store interface {
	GetClient(ctx context.Context, externalID string) (*models.Client, error)
	UpsertItems(ctx context.Context, clientID int64, items []models.SyncedItem) ([]models.SyncedItem, error)
	DeleteItems(ctx context.Context, clientID int64, itemIDs []int64) error
	DeleteItemsByRemoteID(ctx context.Context, clientID int64, remoteIDs []string) error
	UpdateClientSyncState(ctx context.Context, externalID string, cursor *string, clearCursor bool, lastSyncedAt *time.Time) error
}

// ContentCache optionally caches raw fetched content so other features can
// serve it without refetching. Failures are logged, never fatal.
type ContentCache interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Options control one sync pass
type Options struct {
	SourceFilter models.SourceKind // empty = all configured sources
	ForceFull    bool              // reprocess every item regardless of markers
}

// Engine orchestrates reconciliation passes. It is safe for concurrent use;
// per-client serialization is enforced by the scheduler, not here.
type Engine struct {
	store   Store
	sources source.Registry
	gateway summarize.Gateway
	index   *searchindex.Index
	cache   ContentCache
}

// New creates an engine. cache may be nil to disable raw-content caching.
func New(store Store, sources source.Registry, gateway summarize.Gateway, index *searchindex.Index, cache ContentCache) *Engine {
	return &Engine{
		store:   store,
		sources: sources,
		gateway: gateway,
		index:   index,
		cache:   cache,
	}
}

// workItem is one remote item scheduled for fetch+summarize+upsert
type workItem struct {
	cfg     models.SourceConfig
	adapter source.Adapter
	fresh   source.RemoteItem
	item    models.SyncedItem // merged record, status idle
	reason  string
}

// sourcePlan is the outcome of diffing one source: items to process,
// completed items restored without recomputation, and the cursor to store
// once the source's portion of the pass succeeds
type sourcePlan struct {
	work        []workItem
	unchanged   []models.SyncedItem
	newCursor   string
	clearCursor bool
}

// Sync runs one reconciliation pass for the client and returns the client
// reloaded from the store. Per-item failures are recorded on the items and
// never fail the pass; source listing failures fail only that source's
// portion, and the joined error is returned alongside the completed work
// when other sources proceeded.
func (e *Engine) Sync(ctx context.Context, clientID string, opts Options, onProgress ProgressFunc) (*models.Client, error) {
	ctx, span := tracer.Start(ctx, "engine.sync",
		trace.WithAttributes(
			attribute.String("client.external_id", clientID),
			attribute.String("sync.source_filter", string(opts.SourceFilter)),
			attribute.Bool("sync.force_full", opts.ForceFull),
		))
	defer span.End()

	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	configs := client.Sources
	if opts.SourceFilter != "" {
		configs = client.SourcesOf(opts.SourceFilter)
	}
	if len(configs) == 0 {
		return nil, ErrNoSources
	}
	kinds := make(map[models.SourceKind]bool, len(configs))
	for _, cfg := range configs {
		if kinds[cfg.Kind] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, cfg.Kind)
		}
		kinds[cfg.Kind] = true
	}

	// The index is never trusted across passes; it is cleared up front and
	// repopulated from classification results, then swapped to durable truth
	// at the end.
	e.index.Clear(client.ID)

	// Diff each source. The cursor-based incremental strategy applies to the
	// first change-feed source in scope; deletions happen here, before any
	// expensive work.
	var plans []*sourcePlan
	var sourceErrs []error
	cursorUsed := false
	for _, cfg := range configs {
		adapter, ok := e.sources.For(cfg.Kind)
		if !ok {
			sourceErrs = append(sourceErrs, fmt.Errorf("no adapter for source kind %q", cfg.Kind))
			continue
		}

		useCursor := !cursorUsed
		if _, hasFeed := adapter.(source.ChangeFeed); hasFeed {
			cursorUsed = cursorUsed || useCursor
		}

		plan, err := e.planSource(ctx, client, cfg, adapter, useCursor, opts.ForceFull)
		if err != nil {
			logger.Error("source diff failed", "client", client.ExternalID, "kind", cfg.Kind, "error", err)
			sourceErrs = append(sourceErrs, fmt.Errorf("source %s: %w", cfg.Kind, err))
			continue
		}
		plans = append(plans, plan)
	}

	if len(plans) == 0 && len(sourceErrs) > 0 {
		err := errors.Join(sourceErrs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// One snapshot of the full post-classification item list before any
	// expensive work, so callers can render complete state immediately.
	var initial []ItemState
	var interim []searchindex.Entry
	var work []workItem
	for _, plan := range plans {
		for _, item := range plan.unchanged {
			initial = append(initial, itemState(item, ""))
			if item.Status == models.StatusCompleted && item.Summary != "" {
				interim = append(interim, entryFor(item))
			}
		}
		for _, w := range plan.work {
			initial = append(initial, itemState(w.item, w.reason))
			work = append(work, w)
		}
	}
	onProgress.emit(InitialList{Items: initial})

	// Items outside the pass scope are untouched and stay queryable
	for _, item := range client.Items {
		if !inScope(item, opts.SourceFilter) && item.Status == models.StatusCompleted && item.Summary != "" {
			interim = append(interim, entryFor(item))
		}
	}
	e.index.Rebuild(client.ID, interim)

	span.SetAttributes(
		attribute.Int("sync.to_process", len(work)),
		attribute.Int("sync.unchanged", len(initial)-len(work)),
	)

	e.processBatches(ctx, client, work, onProgress)

	now := time.Now().UTC()
	cursor, clear := cursorOutcome(plans)
	if err := e.store.UpdateClientSyncState(ctx, client.ExternalID, cursor, clear, &now); err != nil {
		logger.Error("failed to persist sync state", "client", client.ExternalID, "error", err)
		sourceErrs = append(sourceErrs, err)
	}

	// Return durable truth, not engine-local accumulation
	reloaded, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.index.Rebuild(client.ID, searchindex.EntriesFromItems(reloaded.Items))

	if len(sourceErrs) > 0 {
		err := errors.Join(sourceErrs...)
		span.SetStatus(codes.Error, err.Error())
		return reloaded, err
	}
	return reloaded, nil
}

// planSource diffs one source against the cached items of its kind and
// performs the deletion pass. Deletions are cheap and never wait on
// summarization.
func (e *Engine) planSource(ctx context.Context, client *models.Client, cfg models.SourceConfig, adapter source.Adapter, useCursor, force bool) (*sourcePlan, error) {
	ctx, span := tracer.Start(ctx, "engine.plan_source",
		trace.WithAttributes(attribute.String("source.kind", string(cfg.Kind))))
	defer span.End()

	existing := make(map[string]*models.SyncedItem)
	for i := range client.Items {
		if client.Items[i].SourceKind == cfg.Kind {
			existing[client.Items[i].RemoteID] = &client.Items[i]
		}
	}

	feed, hasFeed := adapter.(source.ChangeFeed)
	if hasFeed && useCursor && client.SyncCursor != nil && !force {
		plan, err := e.planIncremental(ctx, client, cfg, adapter, feed, *client.SyncCursor, existing)
		if err == nil {
			span.SetAttributes(attribute.String("sync.strategy", "incremental"))
			return plan, nil
		}
		if !errors.Is(err, source.ErrCursorInvalid) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		// Stale cursor: fall back to a full pass within the same invocation
		logger.Warn("sync cursor rejected, falling back to full pass", "client", client.ExternalID, "kind", cfg.Kind)
	}
	span.SetAttributes(attribute.String("sync.strategy", "full"))

	listing, err := adapter.ListItems(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Deletion pass: cached items absent from the fresh listing
	listed := make(map[string]bool, len(listing))
	for _, remote := range listing {
		listed[remote.RemoteID] = true
	}
	var stale []string
	for remoteID := range existing {
		if !listed[remoteID] {
			stale = append(stale, remoteID)
		}
	}
	if err := e.store.DeleteItemsByRemoteID(ctx, client.ID, stale); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	plan := &sourcePlan{}
	for _, remote := range listing {
		cached := existing[remote.RemoteID]
		needsWork, reason := classify(cached, remote, force)
		merged := mergeItem(cached, remote, cfg.Kind)
		if needsWork {
			merged.StatusMessage = reason
			plan.work = append(plan.work, workItem{cfg: cfg, adapter: adapter, fresh: remote, item: merged, reason: reason})
		} else {
			plan.unchanged = append(plan.unchanged, *cached)
		}
	}

	// A successful full pass over a change-feed source establishes a fresh
	// "now" baseline for future incremental passes
	if hasFeed && useCursor {
		cursor, err := feed.StartCursor(ctx, cfg)
		if err != nil {
			logger.Warn("failed to obtain change cursor, next pass will be full", "client", client.ExternalID, "error", err)
			plan.clearCursor = true
		} else {
			plan.newCursor = cursor
		}
	}

	span.SetAttributes(
		attribute.Int("sync.listed", len(listing)),
		attribute.Int("sync.deleted", len(stale)),
		attribute.Int("sync.to_process", len(plan.work)),
	)
	return plan, nil
}

// planIncremental diffs via the source's change feed. Only reported changes
// are fetched, plus previously failed items, which are retried every pass.
func (e *Engine) planIncremental(ctx context.Context, client *models.Client, cfg models.SourceConfig, adapter source.Adapter, feed source.ChangeFeed, cursor string, existing map[string]*models.SyncedItem) (*sourcePlan, error) {
	ctx, span := tracer.Start(ctx, "engine.plan_incremental")
	defer span.End()

	set, err := feed.Changes(ctx, cfg, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := e.store.DeleteItemsByRemoteID(ctx, client.ID, set.RemovedIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	removed := make(map[string]bool, len(set.RemovedIDs))
	for _, id := range set.RemovedIDs {
		removed[id] = true
	}

	plan := &sourcePlan{newCursor: set.NewCursor}
	inChangeSet := make(map[string]bool, len(set.Changed))
	for _, remote := range set.Changed {
		inChangeSet[remote.RemoteID] = true
		cached := existing[remote.RemoteID]
		needsWork, reason := classify(cached, remote, false)
		merged := mergeItem(cached, remote, cfg.Kind)
		if needsWork {
			merged.StatusMessage = reason
			plan.work = append(plan.work, workItem{cfg: cfg, adapter: adapter, fresh: remote, item: merged, reason: reason})
		} else {
			plan.unchanged = append(plan.unchanged, *cached)
		}
	}

	// Cached items the feed did not mention are untouched, except failed
	// items, which are retried even when no change was reported
	for remoteID, cached := range existing {
		if removed[remoteID] || inChangeSet[remoteID] {
			continue
		}
		if cached.Status == models.StatusFailed {
			remote := source.RemoteItem{
				RemoteID:       cached.RemoteID,
				Name:           cached.Name,
				ContentType:    cached.ContentType,
				ModifiedMarker: cached.RemoteModified,
			}
			merged := mergeItem(cached, remote, cfg.Kind)
			merged.StatusMessage = reasonRetry
			plan.work = append(plan.work, workItem{cfg: cfg, adapter: adapter, fresh: remote, item: merged, reason: reasonRetry})
			continue
		}
		plan.unchanged = append(plan.unchanged, *cached)
	}

	span.SetAttributes(
		attribute.Int("sync.changed", len(set.Changed)),
		attribute.Int("sync.removed", len(set.RemovedIDs)),
		attribute.Int("sync.to_process", len(plan.work)),
	)
	return plan, nil
}

// processBatches runs fetch+summarize+upsert for the work list: fan-out
// within a fixed-size batch, fan-in before the next batch starts. One item's
// failure never cancels its siblings.
func (e *Engine) processBatches(ctx context.Context, client *models.Client, work []workItem, onProgress ProgressFunc) {
	for start := 0; start < len(work); start += batchSize {
		end := start + batchSize
		if end > len(work) {
			end = len(work)
		}
		batch := work[start:end]

		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(w *workItem) {
				defer wg.Done()
				e.processItem(ctx, client, w, onProgress)
			}(&batch[i])
		}
		wg.Wait()
	}
}

// processItem runs one item through fetch → summarize → upsert, recording
// the outcome on the item. Errors are captured per item, never propagated.
func (e *Engine) processItem(ctx context.Context, client *models.Client, w *workItem, onProgress ProgressFunc) {
	ctx, span := tracer.Start(ctx, "engine.process_item",
		trace.WithAttributes(
			attribute.String("item.remote_id", w.item.RemoteID),
			attribute.String("item.reason", w.reason),
		))
	defer span.End()

	item := w.item
	item.Status = models.StatusSyncing
	item.StatusMessage = "fetching content"
	onProgress.emit(itemUpdate(item))

	content, err := w.adapter.FetchContent(ctx, w.cfg, item.RemoteID, w.fresh.ContentType)
	if err != nil {
		e.failItem(ctx, client, item, fmt.Errorf("fetch failed: %w", err), onProgress, span)
		return
	}

	e.summarizeAndStore(ctx, client, item, content, onProgress, span)
}

// summarizeAndStore runs the post-fetch half of the pipeline: cache the raw
// content, summarize it, and persist the outcome
func (e *Engine) summarizeAndStore(ctx context.Context, client *models.Client, item models.SyncedItem, content *source.Content, onProgress ProgressFunc, span trace.Span) {
	if e.cache != nil {
		key := fmt.Sprintf("clients/%s/items/%s", client.ExternalID, item.RemoteID)
		if err := e.cache.Put(ctx, key, content.Data, content.MIME); err != nil {
			logger.Warn("raw content cache write failed", "client", client.ExternalID, "item", item.RemoteID, "error", err)
		} else {
			item.ContentKey = &key
		}
	}

	item.Status = models.StatusIndexing
	item.StatusMessage = "summarizing"
	onProgress.emit(itemUpdate(item))

	summary, err := e.gateway.Summarize(ctx, summarize.SummarizeRequest{
		Name:        item.Name,
		Content:     content.Data,
		ContentType: content.MIME,
	})
	if err != nil {
		e.failItem(ctx, client, item, fmt.Errorf("summarization failed: %w", err), onProgress, span)
		return
	}

	now := time.Now().UTC()
	item.Status = models.StatusCompleted
	item.StatusMessage = "synced"
	item.Summary = summary
	item.LastSyncedAt = &now

	stored, err := e.store.UpsertItems(ctx, client.ID, []models.SyncedItem{item})
	if err != nil {
		e.failItem(ctx, client, item, fmt.Errorf("store failed: %w", err), onProgress, span)
		return
	}
	e.index.Insert(client.ID, entryFor(stored[0]))
	onProgress.emit(itemUpdate(stored[0]))
}

// failItem records a per-item failure durably and via progress events
func (e *Engine) failItem(ctx context.Context, client *models.Client, item models.SyncedItem, cause error, onProgress ProgressFunc, span trace.Span) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	logger.Warn("item processing failed", "client", client.ExternalID, "item", item.RemoteID, "error", cause)

	item.Status = models.StatusFailed
	item.StatusMessage = cause.Error()
	item.Summary = ""

	if _, err := e.store.UpsertItems(ctx, client.ID, []models.SyncedItem{item}); err != nil {
		logger.Error("failed to record item failure", "client", client.ExternalID, "item", item.RemoteID, "error", err)
	}
	onProgress.emit(itemUpdate(item))
}

// cursorOutcome merges the per-plan cursor decisions. At most one plan in a
// pass carries cursor state.
func cursorOutcome(plans []*sourcePlan) (cursor *string, clear bool) {
	for _, plan := range plans {
		if plan.clearCursor {
			return nil, true
		}
		if plan.newCursor != "" {
			c := plan.newCursor
			return &c, false
		}
	}
	return nil, false
}

func inScope(item models.SyncedItem, filter models.SourceKind) bool {
	return filter == "" || item.SourceKind == filter
}

func entryFor(item models.SyncedItem) searchindex.Entry {
	return searchindex.Entry{
		ItemID:     item.ID,
		RemoteID:   item.RemoteID,
		Name:       item.Name,
		SourceKind: item.SourceKind,
		Summary:    item.Summary,
	}
}

func itemState(item models.SyncedItem, reason string) ItemState {
	msg := item.StatusMessage
	if reason != "" {
		msg = reason
	}
	return ItemState{
		RemoteID:       item.RemoteID,
		Name:           item.Name,
		Status:         item.Status,
		StatusMessage:  msg,
		ContentType:    item.ContentType,
		Source:         item.SourceKind,
		RemoteModified: item.RemoteModified,
	}
}

func itemUpdate(item models.SyncedItem) ItemUpdate {
	return ItemUpdate{
		RemoteID:       item.RemoteID,
		Status:         item.Status,
		StatusMessage:  item.StatusMessage,
		ContentType:    item.ContentType,
		RemoteModified: item.RemoteModified,
	}
}
