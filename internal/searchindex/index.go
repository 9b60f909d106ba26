// Package searchindex holds the in-memory summary index queried at answer
// time. One index exists per client; entries are the summaries of completed
// items. The index is rebuilt by atomic swap at the end of a sync pass so
// concurrent queries never observe a half-built state.
package searchindex

import (
	"sync"

	"github.com/shelfsync/shelfsync/internal/models"
)

// Entry is one indexed item: its identity plus the summary used as context
type Entry struct {
	ItemID     int64
	RemoteID   string
	Name       string
	SourceKind models.SourceKind
	Summary    string
}

// Index is a per-client summary index safe for concurrent use
type Index struct {
	mu      sync.RWMutex
	entries map[int64][]Entry // client ID -> entries
}

// New creates an empty index
func New() *Index {
	return &Index{entries: make(map[int64][]Entry)}
}

// Rebuild replaces the client's entries in one swap
func (ix *Index) Rebuild(clientID int64, entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[clientID] = entries
}

// Insert appends one entry to the client's index
func (ix *Index) Insert(clientID int64, entry Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[clientID] = append(ix.entries[clientID], entry)
}

// Clear removes all entries for the client
func (ix *Index) Clear(clientID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, clientID)
}

// Entries returns a copy of the client's entries. The second return reports
// whether the client has an index at all, distinguishing "never built" from
// "built but empty".
func (ix *Index) Entries(clientID int64) ([]Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries, ok := ix.entries[clientID]
	if !ok {
		return nil, false
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, true
}

// Size returns the number of entries indexed for the client
func (ix *Index) Size(clientID int64) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries[clientID])
}

// EntriesFromItems builds index entries from a client's items, keeping only
// completed items with a non-empty summary
func EntriesFromItems(items []models.SyncedItem) []Entry {
	var out []Entry
	for _, item := range items {
		if item.Status != models.StatusCompleted || item.Summary == "" {
			continue
		}
		out = append(out, Entry{
			ItemID:     item.ID,
			RemoteID:   item.RemoteID,
			Name:       item.Name,
			SourceKind: item.SourceKind,
			Summary:    item.Summary,
		})
	}
	return out
}
