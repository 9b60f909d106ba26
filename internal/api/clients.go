package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
)

// clientView is the API representation of a client. Source tokens and the
// API key hash never leave the server.
type clientView struct {
	ExternalID          string                `json:"external_id"`
	Name                string                `json:"name"`
	SyncIntervalSeconds int64                 `json:"sync_interval_seconds"`
	Sources             []models.SourceConfig `json:"sources"`
	Tags                []models.Tag          `json:"tags,omitempty"`
	Items               []models.SyncedItem   `json:"items,omitempty"`
	LastSyncedAt        *time.Time            `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

func viewOf(client *models.Client, includeItems bool) clientView {
	view := clientView{
		ExternalID:          client.ExternalID,
		Name:                client.Name,
		SyncIntervalSeconds: client.SyncIntervalSeconds,
		Sources:             redactSources(client.Sources),
		Tags:                client.Tags,
		LastSyncedAt:        client.LastSyncedAt,
		CreatedAt:           client.CreatedAt,
	}
	if includeItems {
		view.Items = client.Items
	}
	return view
}

func redactSources(sources []models.SourceConfig) []models.SourceConfig {
	out := make([]models.SourceConfig, len(sources))
	copy(out, sources)
	for i := range out {
		out[i].Token = ""
	}
	return out
}

type createClientRequest struct {
	Name                string                `json:"name"`
	SyncIntervalSeconds int64                 `json:"sync_interval_seconds"`
	Sources             []models.SourceConfig `json:"sources"`
}

func validateSources(sources []models.SourceConfig) error {
	// One source per kind: the engine scopes its diff and deletion pass by
	// kind, so a second same-kind source would shadow the first's items
	seen := make(map[models.SourceKind]bool, len(sources))
	for _, src := range sources {
		if seen[src.Kind] {
			return fmt.Errorf("duplicate %s source; at most one source per kind", src.Kind)
		}
		seen[src.Kind] = true
		switch src.Kind {
		case models.SourceFolder:
			if src.FolderID == "" {
				return fmt.Errorf("folder source requires folder_id")
			}
		case models.SourceTable:
			if src.BaseID == "" || src.TableName == "" {
				return fmt.Errorf("table source requires base_id and table_name")
			}
		default:
			return fmt.Errorf("unknown source kind %q", src.Kind)
		}
		if src.Token == "" {
			return fmt.Errorf("source requires a token")
		}
	}
	return nil
}

// handleCreateClient registers a client. The plaintext API key is returned
// exactly once; only its hash is stored.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Client name is required")
		return
	}
	if req.SyncIntervalSeconds < 0 {
		respondError(w, http.StatusBadRequest, "Sync interval must not be negative")
		return
	}
	if err := validateSources(req.Sources); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rawKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		logger.Error("failed to generate API key", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to generate API key")
		return
	}

	client, err := s.db.CreateClient(r.Context(), req.Name, keyHash, req.SyncIntervalSeconds, req.Sources)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateClient) {
			respondError(w, http.StatusConflict, "Client name already exists")
			return
		}
		logger.Error("failed to create client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create client")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"client":  viewOf(client, false),
		"api_key": rawKey,
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.db.ListClients(r.Context())
	if err != nil {
		logger.Error("failed to list clients", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list clients")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"clients": clients})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.db.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "Client not found")
			return
		}
		logger.Error("failed to get client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get client")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(client, true))
}

type updateClientRequest struct {
	Name                *string               `json:"name"`
	SyncIntervalSeconds *int64                `json:"sync_interval_seconds"`
	Sources             []models.SourceConfig `json:"sources"`
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req updateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SyncIntervalSeconds != nil && *req.SyncIntervalSeconds < 0 {
		respondError(w, http.StatusBadRequest, "Sync interval must not be negative")
		return
	}
	if req.Sources != nil {
		if err := validateSources(req.Sources); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	update := db.ClientUpdate{
		Name:                req.Name,
		SyncIntervalSeconds: req.SyncIntervalSeconds,
		Sources:             req.Sources,
	}
	// Replacing sources invalidates any incremental baseline
	if req.Sources != nil {
		update.ClearCursor = true
	}

	if err := s.db.UpdateClient(r.Context(), clientID, update); err != nil {
		switch {
		case errors.Is(err, db.ErrClientNotFound):
			respondError(w, http.StatusNotFound, "Client not found")
		case errors.Is(err, db.ErrDuplicateClient):
			respondError(w, http.StatusConflict, "Client name already exists")
		default:
			logger.Error("failed to update client", "error", err)
			respondError(w, http.StatusInternalServerError, "Failed to update client")
		}
		return
	}

	client, err := s.db.GetClient(r.Context(), clientID)
	if err != nil {
		logger.Error("failed to reload client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to reload client")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(client, false))
}

// handleRotateAPIKey issues a fresh API key for the client and invalidates
// the old one. Like creation, the plaintext key is returned exactly once.
func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	rawKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		logger.Error("failed to generate API key", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to generate API key")
		return
	}

	if err := s.db.RotateClientAPIKey(r.Context(), clientID, keyHash); err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "Client not found")
			return
		}
		logger.Error("failed to rotate API key", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to rotate API key")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"api_key": rawKey})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	if err := s.db.DeleteClient(r.Context(), clientID); err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "Client not found")
			return
		}
		logger.Error("failed to delete client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to delete client")
		return
	}

	// Cached raw content is cleaned up best effort
	if s.storage != nil {
		prefix := fmt.Sprintf("clients/%s/", clientID)
		if err := s.storage.DeletePrefix(r.Context(), prefix); err != nil {
			logger.Warn("failed to delete cached content", "client", clientID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type tagRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	client, err := s.db.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "Client not found")
			return
		}
		logger.Error("failed to get client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get client")
		return
	}

	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "Tag name is required")
		return
	}

	tag, err := s.db.AddTag(r.Context(), client.ID, req.Name)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateTag) {
			respondError(w, http.StatusConflict, "Tag already exists")
			return
		}
		logger.Error("failed to add tag", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to add tag")
		return
	}
	respondJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	client, err := s.db.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		if errors.Is(err, db.ErrClientNotFound) {
			respondError(w, http.StatusNotFound, "Client not found")
			return
		}
		logger.Error("failed to get client", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get client")
		return
	}

	if err := s.db.RemoveTag(r.Context(), client.ID, chi.URLParam(r, "name")); err != nil {
		if errors.Is(err, db.ErrTagNotFound) {
			respondError(w, http.StatusNotFound, "Tag not found")
			return
		}
		logger.Error("failed to remove tag", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to remove tag")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
