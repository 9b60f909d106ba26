package engine

import (
	"strconv"
	"time"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/source"
)

// markerTolerance absorbs clock skew and format jitter between marker
// representations. Timestamps within one second are treated as equal.
const markerTolerance = time.Second

// Human-readable classification reasons surfaced in the initial item list
const (
	reasonNew      = "new item detected"
	reasonModified = "modification detected"
	reasonForced   = "forced reprocessing"
	reasonRetry    = "retrying failed item"
)

// markerFormats are the timestamp layouts attempted when parsing a
// modification marker. Sources disagree on representation; numeric strings
// are additionally tried as unix seconds or milliseconds.
var markerFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseMarker attempts to interpret a modification marker as a timestamp
func parseMarker(marker string) (time.Time, bool) {
	if marker == "" {
		return time.Time{}, false
	}
	for _, layout := range markerFormats {
		if t, err := time.Parse(layout, marker); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(marker, 10, 64); err == nil && n > 0 {
		// Heuristic split between unix seconds and milliseconds
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// markersMatch reports whether two modification markers represent the same
// remote state. When both parse as timestamps they match if within tolerance;
// when either fails to parse, raw string inequality is the change signal
// (unparsable markers are never silently treated as unchanged).
func markersMatch(cached, fresh string) bool {
	ct, cok := parseMarker(cached)
	ft, fok := parseMarker(fresh)
	if cok && fok {
		d := ft.Sub(ct)
		if d < 0 {
			d = -d
		}
		return d <= markerTolerance
	}
	return cached == fresh
}

// classify decides whether a remote item needs reprocessing and why.
// An empty reason means the item is unchanged.
func classify(existing *models.SyncedItem, fresh source.RemoteItem, force bool) (needsWork bool, reason string) {
	switch {
	case existing == nil:
		return true, reasonNew
	case force:
		return true, reasonForced
	case existing.Status == models.StatusFailed:
		return true, reasonRetry
	case !markersMatch(existing.RemoteModified, fresh.ModifiedMarker):
		return true, reasonModified
	default:
		return false, ""
	}
}

// mergeItem builds the item record for a remote item about to be processed.
// Fresh metadata overrides name, content type, and marker; the existing
// record supplies durable identity and, for unchanged items, summary and
// cached content.
func mergeItem(existing *models.SyncedItem, fresh source.RemoteItem, kind models.SourceKind) models.SyncedItem {
	item := models.SyncedItem{
		RemoteID:       fresh.RemoteID,
		Name:           fresh.Name,
		SourceKind:     kind,
		ContentKind:    contentKindFor(kind, fresh.ContentType),
		ContentType:    fresh.ContentType,
		RemoteModified: fresh.ModifiedMarker,
		Status:         models.StatusIdle,
	}
	if existing != nil {
		item.ID = existing.ID
		item.ClientID = existing.ClientID
		item.Summary = existing.Summary
		item.ContentKey = existing.ContentKey
		item.LastSyncedAt = existing.LastSyncedAt
		item.CreatedAt = existing.CreatedAt
	}
	return item
}

func contentKindFor(kind models.SourceKind, contentType string) models.ContentKind {
	if kind == models.SourceTable {
		return models.ContentRecord
	}
	return models.ContentKindForMIME(contentType)
}
