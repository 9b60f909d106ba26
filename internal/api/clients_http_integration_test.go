package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/testutil"
)

func TestClientLifecycle_Integration(t *testing.T) {
	skipIfShort(t)
	env := testutil.SetupTestEnvironment(t)
	router := newTestServer(env, &stubAdapter{kind: models.SourceFolder}, &stubGateway{})

	t.Run("creates client and returns API key once", func(t *testing.T) {
		env.CleanDB(t)

		reqBody := createClientRequest{
			Name:                "Acme Corp",
			SyncIntervalSeconds: 3600,
			Sources:             folderSources(),
		}
		req := testutil.OperatorRequest(t, "POST", "/api/v1/clients", reqBody, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusCreated)

		var resp struct {
			Client clientView `json:"client"`
			APIKey string     `json:"api_key"`
		}
		testutil.ParseJSONResponse(t, w, &resp)

		if !strings.HasPrefix(resp.APIKey, "ssk_") {
			t.Errorf("api key = %q, want ssk_ prefix", resp.APIKey)
		}
		if resp.Client.ExternalID == "" {
			t.Error("expected non-empty external ID")
		}
		if resp.Client.Name != "Acme Corp" {
			t.Errorf("name = %q", resp.Client.Name)
		}
		if len(resp.Client.Sources) != 1 || resp.Client.Sources[0].Token != "" {
			t.Errorf("source token leaked in response: %+v", resp.Client.Sources)
		}

		// Only the hash is stored
		var count int
		row := env.DB.QueryRow(env.Ctx,
			"SELECT COUNT(*) FROM clients WHERE api_key_hash = $1", resp.APIKey)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("failed to query clients: %v", err)
		}
		if count != 0 {
			t.Error("raw API key stored in database")
		}
	})

	t.Run("rejects duplicate client name", func(t *testing.T) {
		env.CleanDB(t)
		testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		reqBody := createClientRequest{Name: "Acme Corp", Sources: folderSources()}
		req := testutil.OperatorRequest(t, "POST", "/api/v1/clients", reqBody, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertErrorResponse(t, w, http.StatusConflict, "Client name already exists")
	})

	t.Run("validates create request", func(t *testing.T) {
		env.CleanDB(t)

		tests := []struct {
			name    string
			body    createClientRequest
			message string
		}{
			{"missing name", createClientRequest{Sources: folderSources()}, "Client name is required"},
			{"negative interval", createClientRequest{Name: "x", SyncIntervalSeconds: -1}, "Sync interval must not be negative"},
			{"folder without folder_id", createClientRequest{Name: "x", Sources: []models.SourceConfig{
				{Kind: models.SourceFolder, Token: "t"},
			}}, "folder source requires folder_id"},
			{"table without base", createClientRequest{Name: "x", Sources: []models.SourceConfig{
				{Kind: models.SourceTable, TableName: "T", Token: "t"},
			}}, "table source requires base_id and table_name"},
			{"unknown kind", createClientRequest{Name: "x", Sources: []models.SourceConfig{
				{Kind: "ftp", Token: "t"},
			}}, `unknown source kind "ftp"`},
			{"missing token", createClientRequest{Name: "x", Sources: []models.SourceConfig{
				{Kind: models.SourceFolder, FolderID: "f"},
			}}, "source requires a token"},
			{"duplicate source kind", createClientRequest{Name: "x", Sources: []models.SourceConfig{
				{Kind: models.SourceFolder, FolderID: "f1", Token: "t"},
				{Kind: models.SourceFolder, FolderID: "f2", Token: "t"},
			}}, "duplicate folder source; at most one source per kind"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := testutil.OperatorRequest(t, "POST", "/api/v1/clients", tt.body, testOperatorToken)
				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)
				testutil.AssertErrorResponse(t, w, http.StatusBadRequest, tt.message)
			})
		}
	})

	t.Run("requires operator token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/clients", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("get includes items and redacts tokens", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "about widgets")

		req := testutil.OperatorRequest(t, "GET", "/api/v1/clients/"+client.ExternalID, nil, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)

		var resp clientView
		testutil.ParseJSONResponse(t, w, &resp)
		if len(resp.Items) != 1 || resp.Items[0].RemoteID != "f1" {
			t.Errorf("items = %+v", resp.Items)
		}
		if len(resp.Sources) != 1 || resp.Sources[0].Token != "" {
			t.Errorf("source token leaked: %+v", resp.Sources)
		}
	})

	t.Run("get unknown client returns 404", func(t *testing.T) {
		req := testutil.OperatorRequest(t, "GET", "/api/v1/clients/00000000-0000-0000-0000-000000000000", nil, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Client not found")
	})

	t.Run("update replaces sources and clears cursor", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		cursor := "cursor-100"
		if err := env.DB.UpdateClientSyncState(env.Ctx, client.ExternalID, &cursor, false, nil); err != nil {
			t.Fatalf("failed to seed cursor: %v", err)
		}

		newName := "Acme Renamed"
		reqBody := updateClientRequest{
			Name: &newName,
			Sources: []models.SourceConfig{
				{Kind: models.SourceTable, BaseID: "appX", TableName: "Inventory", Token: "at-token"},
			},
		}
		req := testutil.OperatorRequest(t, "PATCH", "/api/v1/clients/"+client.ExternalID, reqBody, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)

		updated, err := env.DB.GetClient(env.Ctx, client.ExternalID)
		if err != nil {
			t.Fatalf("failed to reload client: %v", err)
		}
		if updated.Name != "Acme Renamed" {
			t.Errorf("name = %q", updated.Name)
		}
		if len(updated.Sources) != 1 || updated.Sources[0].Kind != models.SourceTable {
			t.Errorf("sources = %+v", updated.Sources)
		}
		if updated.SyncCursor != nil {
			t.Errorf("cursor = %q, replacing sources must clear it", *updated.SyncCursor)
		}
	})

	t.Run("update without sources keeps cursor", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		cursor := "cursor-100"
		if err := env.DB.UpdateClientSyncState(env.Ctx, client.ExternalID, &cursor, false, nil); err != nil {
			t.Fatalf("failed to seed cursor: %v", err)
		}

		interval := int64(7200)
		req := testutil.OperatorRequest(t, "PATCH", "/api/v1/clients/"+client.ExternalID,
			updateClientRequest{SyncIntervalSeconds: &interval}, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)

		updated, err := env.DB.GetClient(env.Ctx, client.ExternalID)
		if err != nil {
			t.Fatalf("failed to reload client: %v", err)
		}
		if updated.SyncIntervalSeconds != 7200 {
			t.Errorf("interval = %d", updated.SyncIntervalSeconds)
		}
		if updated.SyncCursor == nil || *updated.SyncCursor != "cursor-100" {
			t.Error("cursor lost on a metadata-only update")
		}
	})

	t.Run("rotate invalidates the old API key", func(t *testing.T) {
		env.CleanDB(t)
		client, oldKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "POST", "/api/v1/clients/"+client.ExternalID+"/rotate-key", nil, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusOK)

		var resp struct {
			APIKey string `json:"api_key"`
		}
		testutil.ParseJSONResponse(t, w, &resp)
		if !strings.HasPrefix(resp.APIKey, "ssk_") || resp.APIKey == oldKey {
			t.Errorf("rotated key = %q", resp.APIKey)
		}

		// Old key no longer authenticates, new one does
		req = testutil.OperatorRequest(t, "GET", "/api/v1/items", nil, oldKey)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusUnauthorized)

		req = testutil.OperatorRequest(t, "GET", "/api/v1/items", nil, resp.APIKey)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusOK)
	})

	t.Run("rotate unknown client returns 404", func(t *testing.T) {
		env.CleanDB(t)
		req := testutil.OperatorRequest(t, "POST", "/api/v1/clients/00000000-0000-0000-0000-000000000000/rotate-key", nil, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusNotFound)
	})

	t.Run("delete removes client", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "DELETE", "/api/v1/clients/"+client.ExternalID, nil, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusNoContent)

		req = testutil.OperatorRequest(t, "GET", "/api/v1/clients/"+client.ExternalID, nil, testOperatorToken)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusNotFound)
	})
}

func TestTags_Integration(t *testing.T) {
	skipIfShort(t)
	env := testutil.SetupTestEnvironment(t)
	router := newTestServer(env, &stubAdapter{kind: models.SourceFolder}, &stubGateway{})

	t.Run("add, duplicate, remove", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		tagsURL := "/api/v1/clients/" + client.ExternalID + "/tags"

		req := testutil.OperatorRequest(t, "POST", tagsURL, tagRequest{Name: "priority"}, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusCreated)

		var tag models.Tag
		testutil.ParseJSONResponse(t, w, &tag)
		if tag.Name != "priority" || tag.ClientID != client.ID {
			t.Errorf("tag = %+v", tag)
		}

		req = testutil.OperatorRequest(t, "POST", tagsURL, tagRequest{Name: "priority"}, testOperatorToken)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusConflict, "Tag already exists")

		req = testutil.OperatorRequest(t, "DELETE", tagsURL+"/priority", nil, testOperatorToken)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusNoContent)

		req = testutil.OperatorRequest(t, "DELETE", tagsURL+"/priority", nil, testOperatorToken)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Tag not found")
	})

	t.Run("empty tag name rejected", func(t *testing.T) {
		env.CleanDB(t)
		client, _ := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "POST", "/api/v1/clients/"+client.ExternalID+"/tags",
			tagRequest{}, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Tag name is required")
	})
}
