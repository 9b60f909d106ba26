package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/source"
)

// ResyncItem reprocesses one cached item unconditionally (no marker check).
// If the source reports the remote item gone, the cached record is deleted
// instead of marked failed. Other items are untouched.
func (e *Engine) ResyncItem(ctx context.Context, clientID, remoteID string, onProgress ProgressFunc) (*models.Client, error) {
	ctx, span := tracer.Start(ctx, "engine.resync_item",
		trace.WithAttributes(
			attribute.String("client.external_id", clientID),
			attribute.String("item.remote_id", remoteID),
		))
	defer span.End()

	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var cached *models.SyncedItem
	for i := range client.Items {
		if client.Items[i].RemoteID == remoteID {
			cached = &client.Items[i]
			break
		}
	}
	if cached == nil {
		return nil, ErrItemNotFound
	}

	configs := client.SourcesOf(cached.SourceKind)
	if len(configs) == 0 {
		return nil, ErrNoSources
	}
	cfg := configs[0]

	adapter, ok := e.sources.For(cfg.Kind)
	if !ok {
		return nil, ErrNoSources
	}

	fresh := source.RemoteItem{
		RemoteID:       cached.RemoteID,
		Name:           cached.Name,
		ContentType:    cached.ContentType,
		ModifiedMarker: cached.RemoteModified,
	}
	item := mergeItem(cached, fresh, cached.SourceKind)
	item.Status = models.StatusSyncing
	item.StatusMessage = "fetching content"
	onProgress.emit(itemUpdate(item))

	content, err := adapter.FetchContent(ctx, cfg, cached.RemoteID, cached.ContentType)
	switch {
	case errors.Is(err, source.ErrNotFound):
		// The remote item vanished: this path's analogue of the deletion pass
		if err := e.store.DeleteItems(ctx, client.ID, []int64{cached.ID}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		logger.Info("deleted vanished item", "client", client.ExternalID, "item", remoteID)
	case err != nil:
		e.failItem(ctx, client, item, fmt.Errorf("fetch failed: %w", err), onProgress, span)
	default:
		e.summarizeAndStore(ctx, client, item, content, onProgress, span)
	}

	reloaded, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.index.Rebuild(client.ID, searchindex.EntriesFromItems(reloaded.Items))
	return reloaded, nil
}
