// Package source defines the adapter boundary to external data sources and
// provides the two concrete adapters: a Drive-style folder source and an
// Airtable-style table source. Adapters expose remote metadata, content
// fetches, and (where the upstream supports it) an incremental change feed;
// everything else about the upstream wire protocol stays inside this package.
package source

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"

	"github.com/shelfsync/shelfsync/internal/models"
)

var tracer = otel.Tracer("shelfsync/source")

// Sentinel errors for adapter operations
// Use errors.Is() instead of string comparison
var (
	// ErrSourceUnavailable indicates the source API could not be reached or
	// answered with a server error
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrAuthExpired indicates the stored source credential was rejected
	ErrAuthExpired = errors.New("source authorization expired")

	// ErrCursorInvalid indicates the incremental-sync cursor was rejected as
	// stale; callers fall back to a full listing
	ErrCursorInvalid = errors.New("change cursor invalid or expired")

	// ErrNotFound indicates the remote item no longer exists
	ErrNotFound = errors.New("remote item not found")
)

// RemoteItem is the metadata a listing or change feed reports for one item
type RemoteItem struct {
	RemoteID       string `json:"remote_id"`
	Name           string `json:"name"`
	ContentType    string `json:"content_type"`    // MIME hint
	ModifiedMarker string `json:"modified_marker"` // format source-dependent
}

// Content is the fetched body of one remote item
type Content struct {
	Data []byte
	MIME string
}

// ChangeSet is the result of polling a change feed since a cursor
type ChangeSet struct {
	Changed    []RemoteItem
	RemovedIDs []string
	NewCursor  string
}

// Adapter is the capability interface the reconciliation engine depends on.
// Implementations must classify upstream failures into the sentinel errors
// above so the engine can react without knowing the wire protocol.
type Adapter interface {
	// Kind reports which source configs this adapter serves
	Kind() models.SourceKind

	// ListItems returns the full current listing for the configured source
	ListItems(ctx context.Context, cfg models.SourceConfig) ([]RemoteItem, error)

	// FetchContent retrieves one item's content. Returns ErrNotFound if the
	// remote item no longer exists.
	FetchContent(ctx context.Context, cfg models.SourceConfig, remoteID, contentType string) (*Content, error)
}

// ChangeFeed is the optional incremental capability. Sources that implement
// it can report only the items changed or removed since a cursor.
type ChangeFeed interface {
	// StartCursor returns a cursor representing "now" for future polls
	StartCursor(ctx context.Context, cfg models.SourceConfig) (string, error)

	// Changes returns the changes since cursor. Returns ErrCursorInvalid when
	// the upstream rejects the cursor as stale.
	Changes(ctx context.Context, cfg models.SourceConfig, cursor string) (*ChangeSet, error)
}

// Registry maps source kinds to their adapters
type Registry map[models.SourceKind]Adapter

// NewRegistry builds a registry from the given adapters
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Kind()] = a
	}
	return r
}

// For returns the adapter for the given kind, or false if none is registered
func (r Registry) For(kind models.SourceKind) (Adapter, bool) {
	a, ok := r[kind]
	return a, ok
}
