package models

import (
	"strings"
	"time"
)

// SourceKind identifies which adapter a source config or item belongs to
type SourceKind string

const (
	SourceFolder SourceKind = "folder" // cloud file-storage folder (Drive-style)
	SourceTable  SourceKind = "table"  // tabular base/table (Airtable-style)
)

// ContentKind classifies the content of a synced item
type ContentKind string

const (
	ContentDocument ContentKind = "document"
	ContentTabular  ContentKind = "tabular"
	ContentImage    ContentKind = "image"
	ContentRecord   ContentKind = "record"
)

// ItemStatus is the lifecycle status of a synced item
type ItemStatus string

const (
	StatusIdle      ItemStatus = "idle"
	StatusSyncing   ItemStatus = "syncing"
	StatusIndexing  ItemStatus = "indexing"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
)

// SourceConfig describes one external source attached to a client.
// Folder sources use FolderID; table sources use BaseID + TableName.
// Token is the bearer credential for the source API and must never be
// exposed in API responses (handlers return redacted views).
type SourceConfig struct {
	Kind      SourceKind `json:"kind"`
	FolderID  string     `json:"folder_id,omitempty"`
	BaseID    string     `json:"base_id,omitempty"`
	TableName string     `json:"table_name,omitempty"`
	Token     string     `json:"token,omitempty"`
}

// Tag is a free-form label on a client, unique per client by name
type Tag struct {
	ID       int64  `json:"id"`
	ClientID int64  `json:"client_id"`
	Name     string `json:"name"`
}

// Client is one tenant/workspace with its sources and cached items
type Client struct {
	ID                  int64          `json:"id"`
	ExternalID          string         `json:"external_id"` // UUID used in URLs and storage keys
	Name                string         `json:"name"`
	APIKeyHash          string         `json:"-"` // Never expose the hash
	SyncIntervalSeconds int64          `json:"sync_interval_seconds"` // 0 = manual only
	SyncCursor          *string        `json:"sync_cursor,omitempty"`
	Sources             []SourceConfig `json:"sources"`
	Tags                []Tag          `json:"tags,omitempty"`
	Items               []SyncedItem   `json:"items,omitempty"`
	LastSyncedAt        *time.Time     `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// AutoSyncEnabled reports whether the client opted into scheduled syncs
func (c *Client) AutoSyncEnabled() bool {
	return c.SyncIntervalSeconds > 0
}

// SyncInterval returns the auto-sync interval as a duration (0 = manual only)
func (c *Client) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// SourcesOf returns the client's source configs of the given kind
func (c *Client) SourcesOf(kind SourceKind) []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// SyncedItem is the durable record of one remote item ever seen for a client.
// RemoteID is the item's identity as known to the source and is distinct from
// the internal ID; exactly one SyncedItem exists per (client, remote_id).
type SyncedItem struct {
	ID             int64       `json:"id"`
	ClientID       int64       `json:"client_id"`
	RemoteID       string      `json:"remote_id"`
	Name           string      `json:"name"`
	SourceKind     SourceKind  `json:"source_kind"`
	ContentKind    ContentKind `json:"content_kind"`
	ContentType    string      `json:"content_type,omitempty"` // source MIME hint, drives fetch behavior
	Status         ItemStatus  `json:"status"`
	StatusMessage  string      `json:"status_message,omitempty"`
	RemoteModified string      `json:"remote_modified,omitempty"` // marker, format source-dependent
	LastSyncedAt   *time.Time  `json:"last_synced_at,omitempty"`
	Summary        string      `json:"summary,omitempty"`
	ContentKey     *string     `json:"content_key,omitempty"` // raw-content cache object key
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ContentKindForMIME maps a source content-type hint to a content kind.
// Table records are classified by the adapter, not here.
func ContentKindForMIME(mime string) ContentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.Contains(mime, "spreadsheet"), strings.Contains(mime, "csv"):
		return ContentTabular
	default:
		return ContentDocument
	}
}
