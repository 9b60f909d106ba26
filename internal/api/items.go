package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// handleListItems returns the authenticated client's cached items
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	client, ok := auth.ClientFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	items, err := s.db.ListItems(r.Context(), client.ID)
	if err != nil {
		logger.Error("failed to list items", "client", client.ExternalID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list items")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handleItemContent serves an item's cached raw content from object storage
func (s *Server) handleItemContent(w http.ResponseWriter, r *http.Request) {
	client, ok := auth.ClientFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if s.storage == nil {
		respondError(w, http.StatusNotImplemented, "Content cache is not configured")
		return
	}

	item, err := s.db.GetItemByRemoteID(r.Context(), client.ID, chi.URLParam(r, "remoteID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "Item not found")
		return
	}
	if item.ContentKey == nil {
		respondError(w, http.StatusNotFound, "No cached content for item")
		return
	}

	data, contentType, err := s.storage.Get(r.Context(), *item.ContentKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, "Cached content no longer available")
			return
		}
		logger.Error("failed to read cached content", "client", client.ExternalID, "item", item.RemoteID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to read cached content")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
