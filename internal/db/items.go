package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/models"
)

// ListItems returns all cached items for a client, oldest first
func (db *DB) ListItems(ctx context.Context, clientID int64) ([]models.SyncedItem, error) {
	query := `
		SELECT id, client_id, remote_id, name, source_kind, content_kind, content_type,
		       status, status_message, remote_modified, last_synced_at, summary,
		       content_key, created_at, updated_at
		FROM synced_items
		WHERE client_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []models.SyncedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// GetItemByRemoteID returns one cached item by its source identity
func (db *DB) GetItemByRemoteID(ctx context.Context, clientID int64, remoteID string) (*models.SyncedItem, error) {
	query := `
		SELECT id, client_id, remote_id, name, source_kind, content_kind, content_type,
		       status, status_message, remote_modified, last_synced_at, summary,
		       content_key, created_at, updated_at
		FROM synced_items
		WHERE client_id = $1 AND remote_id = $2
	`

	item, err := scanItem(db.conn.QueryRowContext(ctx, query, clientID, remoteID))
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpsertItems writes item state keyed by (client_id, remote_id). Existing rows
// are updated in place so item identity (id, created_at) is stable across
// passes; new rows are inserted. Returns the stored rows with IDs populated.
func (db *DB) UpsertItems(ctx context.Context, clientID int64, items []models.SyncedItem) ([]models.SyncedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "db.upsert_items",
		trace.WithAttributes(
			attribute.Int64("client.id", clientID),
			attribute.Int("items.count", len(items)),
		))
	defer span.End()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO synced_items (client_id, remote_id, name, source_kind, content_kind,
		                          content_type, status, status_message, remote_modified,
		                          last_synced_at, summary, content_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_id, remote_id) DO UPDATE SET
			name = EXCLUDED.name,
			source_kind = EXCLUDED.source_kind,
			content_kind = EXCLUDED.content_kind,
			content_type = EXCLUDED.content_type,
			status = EXCLUDED.status,
			status_message = EXCLUDED.status_message,
			remote_modified = EXCLUDED.remote_modified,
			last_synced_at = EXCLUDED.last_synced_at,
			summary = EXCLUDED.summary,
			content_key = EXCLUDED.content_key,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	stored := make([]models.SyncedItem, 0, len(items))
	for _, item := range items {
		item.ClientID = clientID
		err := tx.QueryRowContext(ctx, query,
			clientID,
			item.RemoteID,
			item.Name,
			item.SourceKind,
			item.ContentKind,
			item.ContentType,
			item.Status,
			item.StatusMessage,
			item.RemoteModified,
			item.LastSyncedAt,
			item.Summary,
			item.ContentKey,
		).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to upsert item %s: %w", item.RemoteID, err)
		}
		stored = append(stored, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// DeleteItems removes cached items by internal ID
func (db *DB) DeleteItems(ctx context.Context, clientID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "db.delete_items",
		trace.WithAttributes(
			attribute.Int64("client.id", clientID),
			attribute.Int("items.count", len(itemIDs)),
		))
	defer span.End()

	// The pgx stdlib driver encodes Go slices as PostgreSQL arrays
	query := `DELETE FROM synced_items WHERE client_id = $1 AND id = ANY($2)`
	if _, err := db.conn.ExecContext(ctx, query, clientID, itemIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete items: %w", err)
	}
	return nil
}

// DeleteItemsByRemoteID removes cached items by source identity. Unknown
// remote IDs are ignored.
func (db *DB) DeleteItemsByRemoteID(ctx context.Context, clientID int64, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "db.delete_items_by_remote_id",
		trace.WithAttributes(
			attribute.Int64("client.id", clientID),
			attribute.Int("items.count", len(remoteIDs)),
		))
	defer span.End()

	query := `DELETE FROM synced_items WHERE client_id = $1 AND remote_id = ANY($2)`
	if _, err := db.conn.ExecContext(ctx, query, clientID, remoteIDs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete items: %w", err)
	}
	return nil
}

func scanItem(row scanner) (*models.SyncedItem, error) {
	var item models.SyncedItem
	err := row.Scan(
		&item.ID,
		&item.ClientID,
		&item.RemoteID,
		&item.Name,
		&item.SourceKind,
		&item.ContentKind,
		&item.ContentType,
		&item.Status,
		&item.StatusMessage,
		&item.RemoteModified,
		&item.LastSyncedAt,
		&item.Summary,
		&item.ContentKey,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	return &item, nil
}
