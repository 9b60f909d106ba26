package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/engine"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
)

// wireEvent is the NDJSON envelope for progress events
type wireEvent struct {
	Type string       `json:"type"`
	Data engine.Event `json:"data"`
}

// eventWriter streams progress events as NDJSON lines. The engine emits
// from concurrent item goroutines, so writes are serialized here.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	flusher, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

func (ew *eventWriter) emit(ev engine.Event) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if err := ew.enc.Encode(wireEvent{Type: ev.EventKind(), Data: ev}); err != nil {
		logger.Warn("failed to write progress event", "error", err)
		return
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}

// writeResult terminates the stream with a final result or error line
func (ew *eventWriter) writeResult(payload interface{}) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	ew.enc.Encode(payload)
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}

// handleSync runs a sync pass for a client, streaming progress as NDJSON.
// Query params: source=folder|table restricts the pass; force=true disables
// marker-based skipping. A pass already running returns 409.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	opts := engine.Options{
		ForceFull: r.URL.Query().Get("force") == "true",
	}
	switch src := r.URL.Query().Get("source"); src {
	case "":
	case string(models.SourceFolder), string(models.SourceTable):
		opts.SourceFilter = models.SourceKind(src)
	default:
		respondError(w, http.StatusBadRequest, "Unknown source kind: "+src)
		return
	}

	if !s.guard.TryAcquire(r.Context(), clientID) {
		respondError(w, http.StatusConflict, "Sync already in progress for this client")
		return
	}
	defer s.guard.Release(clientID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	ew := newEventWriter(w)

	client, err := s.engine.Sync(r.Context(), clientID, opts, ew.emit)
	s.writeSyncResult(ew, client, err)
}

// handleResyncItem reprocesses one item unconditionally, streaming progress
func (s *Server) handleResyncItem(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	remoteID := chi.URLParam(r, "remoteID")

	if !s.guard.TryAcquire(r.Context(), clientID) {
		respondError(w, http.StatusConflict, "Sync already in progress for this client")
		return
	}
	defer s.guard.Release(clientID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	ew := newEventWriter(w)

	client, err := s.engine.ResyncItem(r.Context(), clientID, remoteID, ew.emit)
	s.writeSyncResult(ew, client, err)
}

// writeSyncResult emits the terminal stream line. Headers are already sent,
// so errors surface inside the stream rather than as HTTP status codes.
func (s *Server) writeSyncResult(ew *eventWriter, client *models.Client, err error) {
	if err != nil {
		msg := err.Error()
		switch {
		case errors.Is(err, db.ErrClientNotFound):
			msg = "client not found"
		case errors.Is(err, engine.ErrNoSources):
			msg = "client has no configured sources for this pass"
		case errors.Is(err, engine.ErrDuplicateSource):
			msg = err.Error()
		case errors.Is(err, engine.ErrItemNotFound):
			msg = "item not cached for client"
		default:
			logger.Error("sync pass failed", "error", err)
		}
		result := map[string]interface{}{"type": "result", "error": msg}
		if client != nil {
			// Partial success: some sources proceeded while others failed
			result["client"] = viewOf(client, true)
		}
		ew.writeResult(result)
		return
	}
	ew.writeResult(map[string]interface{}{"type": "result", "client": viewOf(client, true)})
}
