package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/query"
)

type queryRequest struct {
	Question       string `json:"question"`
	Source         string `json:"source,omitempty"`
	ImageBase64    string `json:"image_base64,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

type queryResponse struct {
	Answer string `json:"answer"`
}

// handleQuery answers a natural-language question over the authenticated
// client's indexed summaries
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	client, ok := auth.ClientFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Question == "" {
		respondError(w, http.StatusBadRequest, "Question is required")
		return
	}

	qr := query.Request{Question: req.Question}
	switch req.Source {
	case "":
	case string(models.SourceFolder), string(models.SourceTable):
		qr.SourceFilter = models.SourceKind(req.Source)
	default:
		respondError(w, http.StatusBadRequest, "Unknown source kind: "+req.Source)
		return
	}
	if req.ImageBase64 != "" {
		image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid image encoding")
			return
		}
		qr.Image = image
		qr.ImageMediaType = req.ImageMediaType
	}

	answer, err := s.queries.Answer(r.Context(), client, qr)
	if err != nil {
		logger.Error("query failed", "client", client.ExternalID, "error", err)
		respondError(w, http.StatusBadGateway, "Failed to answer query")
		return
	}
	respondJSON(w, http.StatusOK, queryResponse{Answer: answer})
}
