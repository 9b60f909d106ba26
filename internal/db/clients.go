package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/models"
)

// CreateClient inserts a new client with its source configs and returns the
// stored row. The API key hash must be computed by the caller; the plaintext
// key never reaches this layer.
func (db *DB) CreateClient(ctx context.Context, name, apiKeyHash string, intervalSeconds int64, sources []models.SourceConfig) (*models.Client, error) {
	ctx, span := tracer.Start(ctx, "db.create_client",
		trace.WithAttributes(attribute.String("client.name", name)))
	defer span.End()

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sources: %w", err)
	}

	query := `
		INSERT INTO clients (external_id, name, api_key_hash, sync_interval_seconds, sources)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, external_id, name, sync_interval_seconds, created_at, updated_at
	`

	var client models.Client
	err = db.conn.QueryRowContext(ctx, query, uuid.New().String(), name, apiKeyHash, intervalSeconds, sourcesJSON).Scan(
		&client.ID,
		&client.ExternalID,
		&client.Name,
		&client.SyncIntervalSeconds,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateClient
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	client.APIKeyHash = apiKeyHash
	client.Sources = sources
	return &client, nil
}

// GetClient loads a client by external UUID, including its sources, tags,
// and full item cache
func (db *DB) GetClient(ctx context.Context, externalID string) (*models.Client, error) {
	ctx, span := tracer.Start(ctx, "db.get_client",
		trace.WithAttributes(attribute.String("client.external_id", externalID)))
	defer span.End()

	query := `
		SELECT id, external_id, name, api_key_hash, sync_interval_seconds, sync_cursor,
		       sources, last_synced_at, created_at, updated_at
		FROM clients WHERE external_id = $1
	`

	client, err := db.scanClient(db.conn.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if err == ErrClientNotFound {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := db.loadClientRelations(ctx, client); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return client, nil
}

// GetClientByAPIKeyHash authenticates a client by its hashed API key
func (db *DB) GetClientByAPIKeyHash(ctx context.Context, keyHash string) (*models.Client, error) {
	ctx, span := tracer.Start(ctx, "db.get_client_by_api_key")
	defer span.End()

	query := `
		SELECT id, external_id, name, api_key_hash, sync_interval_seconds, sync_cursor,
		       sources, last_synced_at, created_at, updated_at
		FROM clients WHERE api_key_hash = $1
	`

	client, err := db.scanClient(db.conn.QueryRowContext(ctx, query, keyHash))
	if err != nil {
		if err == ErrClientNotFound {
			return nil, ErrInvalidAPIKey
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := db.loadClientRelations(ctx, client); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return client, nil
}

// ClientListItem is the list view of a client: no items, no credentials
type ClientListItem struct {
	ExternalID          string     `json:"external_id"`
	Name                string     `json:"name"`
	SyncIntervalSeconds int64      `json:"sync_interval_seconds"`
	SourceCount         int        `json:"source_count"`
	ItemCount           int        `json:"item_count"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ListClients returns summary rows for every client
func (db *DB) ListClients(ctx context.Context) ([]ClientListItem, error) {
	ctx, span := tracer.Start(ctx, "db.list_clients")
	defer span.End()

	query := `
		SELECT c.external_id, c.name, c.sync_interval_seconds,
		       jsonb_array_length(c.sources) AS source_count,
		       COUNT(i.id) AS item_count,
		       c.last_synced_at, c.created_at
		FROM clients c
		LEFT JOIN synced_items i ON i.client_id = c.id
		GROUP BY c.id
		ORDER BY c.created_at ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]ClientListItem, 0)
	for rows.Next() {
		var item ClientListItem
		if err := rows.Scan(
			&item.ExternalID,
			&item.Name,
			&item.SyncIntervalSeconds,
			&item.SourceCount,
			&item.ItemCount,
			&item.LastSyncedAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clients: %w", err)
	}

	span.SetAttributes(attribute.Int("clients.count", len(clients)))
	return clients, nil
}

// ListDueClients returns external IDs of clients whose auto-sync interval has
// elapsed since their last sync (never-synced auto-sync clients are due)
func (db *DB) ListDueClients(ctx context.Context, now time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "db.list_due_clients")
	defer span.End()

	query := `
		SELECT external_id FROM clients
		WHERE sync_interval_seconds > 0
		  AND (last_synced_at IS NULL
		       OR last_synced_at + make_interval(secs => sync_interval_seconds) <= $1)
		ORDER BY last_synced_at ASC NULLS FIRST
	`

	rows, err := db.conn.QueryContext(ctx, query, now.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list due clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due client: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due clients: %w", err)
	}

	span.SetAttributes(attribute.Int("clients.due", len(ids)))
	return ids, nil
}

// ClientUpdate holds optional field updates; nil fields are left unchanged
type ClientUpdate struct {
	Name                *string
	SyncIntervalSeconds *int64
	Sources             []models.SourceConfig // nil = unchanged, empty = clear
	SyncCursor          *string               // pointer to empty string clears the cursor
	ClearCursor         bool
	LastSyncedAt        *time.Time
}

// UpdateClient applies a partial update to a client by external UUID
func (db *DB) UpdateClient(ctx context.Context, externalID string, update ClientUpdate) error {
	ctx, span := tracer.Start(ctx, "db.update_client",
		trace.WithAttributes(attribute.String("client.external_id", externalID)))
	defer span.End()

	sets := []string{"updated_at = NOW()"}
	args := []interface{}{externalID}
	next := 2

	add := func(expr string, val interface{}) {
		sets = append(sets, fmt.Sprintf(expr, next))
		args = append(args, val)
		next++
	}

	if update.Name != nil {
		add("name = $%d", *update.Name)
	}
	if update.SyncIntervalSeconds != nil {
		add("sync_interval_seconds = $%d", *update.SyncIntervalSeconds)
	}
	if update.Sources != nil {
		sourcesJSON, err := json.Marshal(update.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		add("sources = $%d", sourcesJSON)
	}
	if update.ClearCursor {
		sets = append(sets, "sync_cursor = NULL")
	} else if update.SyncCursor != nil {
		add("sync_cursor = $%d", *update.SyncCursor)
	}
	if update.LastSyncedAt != nil {
		add("last_synced_at = $%d", update.LastSyncedAt.UTC())
	}

	query := fmt.Sprintf(`UPDATE clients SET %s WHERE external_id = $1`, strings.Join(sets, ", "))

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClient
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update client: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

// UpdateClientSyncState persists cursor and last-sync changes after a pass.
// A nil cursor with clearCursor false leaves the stored cursor untouched.
func (db *DB) UpdateClientSyncState(ctx context.Context, externalID string, cursor *string, clearCursor bool, lastSyncedAt *time.Time) error {
	return db.UpdateClient(ctx, externalID, ClientUpdate{
		SyncCursor:   cursor,
		ClearCursor:  clearCursor,
		LastSyncedAt: lastSyncedAt,
	})
}

// RotateClientAPIKey replaces the stored API key hash. The previous key
// stops authenticating immediately.
func (db *DB) RotateClientAPIKey(ctx context.Context, externalID, newHash string) error {
	ctx, span := tracer.Start(ctx, "db.rotate_client_api_key",
		trace.WithAttributes(attribute.String("client.external_id", externalID)))
	defer span.End()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE clients SET api_key_hash = $2, updated_at = NOW() WHERE external_id = $1`,
		externalID, newHash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to rotate API key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

// DeleteClient removes a client and, via cascade, its tags and item cache
func (db *DB) DeleteClient(ctx context.Context, externalID string) error {
	ctx, span := tracer.Start(ctx, "db.delete_client",
		trace.WithAttributes(attribute.String("client.external_id", externalID)))
	defer span.End()

	result, err := db.conn.ExecContext(ctx, `DELETE FROM clients WHERE external_id = $1`, externalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

// AddTag attaches a tag to a client
func (db *DB) AddTag(ctx context.Context, clientID int64, name string) (*models.Tag, error) {
	query := `INSERT INTO client_tags (client_id, name) VALUES ($1, $2) RETURNING id`

	tag := models.Tag{ClientID: clientID, Name: name}
	err := db.conn.QueryRowContext(ctx, query, clientID, name).Scan(&tag.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTag
		}
		return nil, fmt.Errorf("failed to add tag: %w", err)
	}
	return &tag, nil
}

// RemoveTag detaches a tag from a client by name
func (db *DB) RemoveTag(ctx context.Context, clientID int64, name string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM client_tags WHERE client_id = $1 AND name = $2`, clientID, name)
	if err != nil {
		return fmt.Errorf("failed to remove tag: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTagNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanClient(row scanner) (*models.Client, error) {
	var client models.Client
	var sourcesJSON []byte
	err := row.Scan(
		&client.ID,
		&client.ExternalID,
		&client.Name,
		&client.APIKeyHash,
		&client.SyncIntervalSeconds,
		&client.SyncCursor,
		&sourcesJSON,
		&client.LastSyncedAt,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}

	if err := json.Unmarshal(sourcesJSON, &client.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	return &client, nil
}

// loadClientRelations populates a client's tags and items
func (db *DB) loadClientRelations(ctx context.Context, client *models.Client) error {
	tagRows, err := db.conn.QueryContext(ctx,
		`SELECT id, client_id, name FROM client_tags WHERE client_id = $1 ORDER BY name`, client.ID)
	if err != nil {
		return fmt.Errorf("failed to query tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var tag models.Tag
		if err := tagRows.Scan(&tag.ID, &tag.ClientID, &tag.Name); err != nil {
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		client.Tags = append(client.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("error iterating tags: %w", err)
	}

	items, err := db.ListItems(ctx, client.ID)
	if err != nil {
		return err
	}
	client.Items = items
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
