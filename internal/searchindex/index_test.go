package searchindex

import (
	"testing"

	"github.com/shelfsync/shelfsync/internal/models"
)

func TestIndexLifecycle(t *testing.T) {
	ix := New()

	if _, ok := ix.Entries(1); ok {
		t.Fatal("fresh index reports entries for unknown client")
	}

	ix.Rebuild(1, []Entry{
		{ItemID: 1, RemoteID: "f1", Name: "alpha", Summary: "a"},
		{ItemID: 2, RemoteID: "f2", Name: "beta", Summary: "b"},
	})

	entries, ok := ix.Entries(1)
	if !ok || len(entries) != 2 {
		t.Fatalf("Entries() = (%d, %v), want (2, true)", len(entries), ok)
	}

	ix.Insert(1, Entry{ItemID: 3, RemoteID: "f3", Name: "gamma", Summary: "c"})
	if ix.Size(1) != 3 {
		t.Errorf("size after insert = %d, want 3", ix.Size(1))
	}

	// Rebuild replaces, never merges
	ix.Rebuild(1, []Entry{{ItemID: 9, RemoteID: "f9", Name: "omega", Summary: "o"}})
	entries, _ = ix.Entries(1)
	if len(entries) != 1 || entries[0].RemoteID != "f9" {
		t.Errorf("rebuild did not replace entries: %+v", entries)
	}

	ix.Clear(1)
	if _, ok := ix.Entries(1); ok {
		t.Error("cleared client still has an index")
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	ix := New()
	ix.Rebuild(1, []Entry{{ItemID: 1, RemoteID: "f1", Summary: "original"}})

	entries, _ := ix.Entries(1)
	entries[0].Summary = "mutated"

	again, _ := ix.Entries(1)
	if again[0].Summary != "original" {
		t.Error("caller mutation leaked into the index")
	}
}

func TestRebuiltEmptyIsDistinctFromNeverBuilt(t *testing.T) {
	ix := New()
	ix.Rebuild(1, []Entry{})

	entries, ok := ix.Entries(1)
	if !ok {
		t.Fatal("rebuilt-empty index reported as never built")
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}
}

func TestEntriesFromItems(t *testing.T) {
	items := []models.SyncedItem{
		{ID: 1, RemoteID: "f1", Name: "alpha", Status: models.StatusCompleted, Summary: "a"},
		{ID: 2, RemoteID: "f2", Name: "beta", Status: models.StatusFailed, Summary: ""},
		{ID: 3, RemoteID: "f3", Name: "gamma", Status: models.StatusCompleted, Summary: ""},
		{ID: 4, RemoteID: "f4", Name: "delta", Status: models.StatusSyncing, Summary: "stale"},
	}

	entries := EntriesFromItems(items)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (completed with summary only)", len(entries))
	}
	if entries[0].RemoteID != "f1" {
		t.Errorf("entry = %+v, want f1", entries[0])
	}
}
