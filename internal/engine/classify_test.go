package engine

import (
	"testing"
	"time"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/source"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		name   string
		marker string
		want   time.Time
		ok     bool
	}{
		{"rfc3339", "2026-03-01T10:00:00Z", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"rfc3339 nano", "2026-03-01T10:00:00.123456789Z", time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC), true},
		{"no timezone", "2026-03-01T10:00:00", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"space separator", "2026-03-01 10:00:00", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"date only", "2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"unix seconds", "1772359200", time.Unix(1772359200, 0), true},
		{"unix millis", "1772359200123", time.UnixMilli(1772359200123), true},
		{"empty", "", time.Time{}, false},
		{"garbage", "rev-47-beta", time.Time{}, false},
		{"negative number", "-5", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseMarker(tt.marker)
			if ok != tt.ok {
				t.Fatalf("parseMarker(%q) ok = %v, want %v", tt.marker, ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("parseMarker(%q) = %v, want %v", tt.marker, got, tt.want)
			}
		})
	}
}

func TestMarkersMatch(t *testing.T) {
	base := "2026-03-01T10:00:00Z"

	tests := []struct {
		name   string
		cached string
		fresh  string
		want   bool
	}{
		{"identical", base, base, true},
		{"within tolerance", base, "2026-03-01T10:00:00.500Z", true},
		{"exactly one second apart", base, "2026-03-01T10:00:01Z", true},
		{"just over one second", base, "2026-03-01T10:00:01.001Z", false},
		{"two seconds apart", base, "2026-03-01T10:00:02Z", false},
		{"fresh earlier within tolerance", "2026-03-01T10:00:01Z", base, true},
		{"different formats same instant", base, "1772359200", true},
		{"unparsable equal strings", "rev-47", "rev-47", true},
		{"unparsable different strings", "rev-47", "rev-48", false},
		{"one unparsable", base, "rev-47", false},
		{"both empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markersMatch(tt.cached, tt.fresh); got != tt.want {
				t.Errorf("markersMatch(%q, %q) = %v, want %v", tt.cached, tt.fresh, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	fresh := source.RemoteItem{
		RemoteID:       "file-1",
		Name:           "notes.txt",
		ModifiedMarker: "2026-03-01T10:00:00Z",
	}

	completed := &models.SyncedItem{
		RemoteID:       "file-1",
		Status:         models.StatusCompleted,
		RemoteModified: "2026-03-01T10:00:00Z",
	}
	failed := &models.SyncedItem{
		RemoteID:       "file-1",
		Status:         models.StatusFailed,
		RemoteModified: "2026-03-01T10:00:00Z",
	}

	tests := []struct {
		name       string
		existing   *models.SyncedItem
		force      bool
		wantWork   bool
		wantReason string
	}{
		{"unknown item", nil, false, true, reasonNew},
		{"unchanged completed", completed, false, false, ""},
		{"forced", completed, true, true, reasonForced},
		{"previously failed", failed, false, true, reasonRetry},
		{"failed and forced reports force", failed, true, true, reasonForced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			work, reason := classify(tt.existing, fresh, tt.force)
			if work != tt.wantWork || reason != tt.wantReason {
				t.Errorf("classify() = (%v, %q), want (%v, %q)", work, reason, tt.wantWork, tt.wantReason)
			}
		})
	}

	t.Run("marker drift beyond tolerance", func(t *testing.T) {
		moved := source.RemoteItem{RemoteID: "file-1", ModifiedMarker: "2026-03-01T10:00:05Z"}
		work, reason := classify(completed, moved, false)
		if !work || reason != reasonModified {
			t.Errorf("classify() = (%v, %q), want (true, %q)", work, reason, reasonModified)
		}
	})
}

func TestMergeItem(t *testing.T) {
	now := time.Now().UTC()
	key := "clients/x/items/file-1"
	existing := &models.SyncedItem{
		ID:             7,
		ClientID:       3,
		RemoteID:       "file-1",
		Name:           "old name",
		SourceKind:     models.SourceFolder,
		ContentType:    "text/plain",
		Status:         models.StatusCompleted,
		RemoteModified: "2026-03-01T10:00:00Z",
		Summary:        "previous summary",
		ContentKey:     &key,
		LastSyncedAt:   &now,
		CreatedAt:      now.Add(-time.Hour),
	}
	fresh := source.RemoteItem{
		RemoteID:       "file-1",
		Name:           "new name",
		ContentType:    "application/pdf",
		ModifiedMarker: "2026-03-01T11:00:00Z",
	}

	merged := mergeItem(existing, fresh, models.SourceFolder)

	if merged.ID != 7 || merged.ClientID != 3 {
		t.Errorf("merged identity = (%d, %d), want (7, 3)", merged.ID, merged.ClientID)
	}
	if merged.Name != "new name" || merged.ContentType != "application/pdf" {
		t.Errorf("fresh metadata not applied: name=%q content_type=%q", merged.Name, merged.ContentType)
	}
	if merged.RemoteModified != "2026-03-01T11:00:00Z" {
		t.Errorf("marker = %q, want fresh marker", merged.RemoteModified)
	}
	if merged.Summary != "previous summary" || merged.ContentKey == nil {
		t.Error("durable fields from existing record were lost")
	}
	if merged.Status != models.StatusIdle {
		t.Errorf("status = %q, want idle", merged.Status)
	}

	t.Run("new item has no durable fields", func(t *testing.T) {
		merged := mergeItem(nil, fresh, models.SourceFolder)
		if merged.ID != 0 || merged.Summary != "" || merged.ContentKey != nil {
			t.Error("merge of unknown item carried durable fields")
		}
	})

	t.Run("table items are records", func(t *testing.T) {
		merged := mergeItem(nil, fresh, models.SourceTable)
		if merged.ContentKind != models.ContentRecord {
			t.Errorf("content kind = %q, want record", merged.ContentKind)
		}
	})

	t.Run("image mime classifies as image", func(t *testing.T) {
		img := source.RemoteItem{RemoteID: "img-1", ContentType: "image/png"}
		merged := mergeItem(nil, img, models.SourceFolder)
		if merged.ContentKind != models.ContentImage {
			t.Errorf("content kind = %q, want image", merged.ContentKind)
		}
	})
}
