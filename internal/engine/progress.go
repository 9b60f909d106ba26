package engine

import "github.com/shelfsync/shelfsync/internal/models"

// ItemState is the per-item snapshot carried by progress events
type ItemState struct {
	RemoteID       string            `json:"remote_id"`
	Name           string            `json:"name,omitempty"`
	Status         models.ItemStatus `json:"status"`
	StatusMessage  string            `json:"status_message,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	Source         models.SourceKind `json:"source,omitempty"`
	RemoteModified string            `json:"remote_modified,omitempty"`
}

// Event is a progress event emitted during a sync pass. Exactly two
// implementations exist: InitialList and ItemUpdate.
type Event interface {
	EventKind() string
}

// InitialList is emitted once per pass after classification and before any
// expensive work, so a caller can render the full item set immediately
type InitialList struct {
	Items []ItemState `json:"items"`
}

// EventKind identifies the event for wire encoding
func (InitialList) EventKind() string { return "initial_list" }

// ItemUpdate is emitted per item, per status transition
type ItemUpdate struct {
	RemoteID       string            `json:"remote_id"`
	Status         models.ItemStatus `json:"status"`
	StatusMessage  string            `json:"status_message,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	RemoteModified string            `json:"remote_modified,omitempty"`
}

// EventKind identifies the event for wire encoding
func (ItemUpdate) EventKind() string { return "item_update" }

// ProgressFunc receives progress events during a pass. A nil ProgressFunc
// is valid and discards all events.
type ProgressFunc func(Event)

func (f ProgressFunc) emit(ev Event) {
	if f != nil {
		f(ev)
	}
}
