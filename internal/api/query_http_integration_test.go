package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/testutil"
)

func TestQueryEndpoint_Integration(t *testing.T) {
	skipIfShort(t)
	env := testutil.SetupTestEnvironment(t)

	gateway := &stubGateway{}
	router := newTestServer(env, &stubAdapter{kind: models.SourceFolder}, gateway)

	t.Run("answers from indexed summaries", func(t *testing.T) {
		env.CleanDB(t)
		client, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "widgets are blue")

		req := testutil.OperatorRequest(t, "POST", "/api/v1/query",
			queryRequest{Question: "what color are widgets?"}, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)

		var resp queryResponse
		testutil.ParseJSONResponse(t, w, &resp)
		if resp.Answer != "answer: what color are widgets?" {
			t.Errorf("answer = %q", resp.Answer)
		}

		// The index was rebuilt from the store and fed to the gateway
		if !strings.Contains(gateway.context(), "widgets are blue") {
			t.Errorf("gateway context = %q, missing indexed summary", gateway.context())
		}
	})

	t.Run("requires a question", func(t *testing.T) {
		env.CleanDB(t)
		_, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "POST", "/api/v1/query", queryRequest{}, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Question is required")
	})

	t.Run("rejects unknown source filter", func(t *testing.T) {
		env.CleanDB(t)
		_, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "POST", "/api/v1/query",
			queryRequest{Question: "q", Source: "ftp"}, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Unknown source kind: ftp")
	})

	t.Run("rejects malformed image encoding", func(t *testing.T) {
		env.CleanDB(t)
		_, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "POST", "/api/v1/query",
			queryRequest{Question: "q", ImageBase64: "not base64!!!"}, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Invalid image encoding")
	})

	t.Run("accepts image attachment", func(t *testing.T) {
		env.CleanDB(t)
		client, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "widgets are blue")

		req := testutil.OperatorRequest(t, "POST", "/api/v1/query", queryRequest{
			Question:       "what is in this image?",
			ImageBase64:    base64.StdEncoding.EncodeToString([]byte{0x89, 0x50}),
			ImageMediaType: "image/png",
		}, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusOK)
	})

	t.Run("rejects bad API key", func(t *testing.T) {
		req := testutil.OperatorRequest(t, "POST", "/api/v1/query",
			queryRequest{Question: "q"}, "ssk_not_a_real_key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("operator token is not a client credential", func(t *testing.T) {
		req := testutil.OperatorRequest(t, "POST", "/api/v1/query",
			queryRequest{Question: "q"}, testOperatorToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertStatus(t, w, http.StatusUnauthorized)
	})
}

func TestItemsEndpoints_Integration(t *testing.T) {
	skipIfShort(t)
	env := testutil.SetupTestEnvironment(t)
	router := newTestServer(env, &stubAdapter{kind: models.SourceFolder}, &stubGateway{})

	t.Run("lists only the authenticated client's items", func(t *testing.T) {
		env.CleanDB(t)
		client, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		other, _ := testutil.CreateTestClient(t, env, "Other Corp", folderSources())
		testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "s1")
		testutil.CreateTestItem(t, env, other.ID, "f9", "other.txt", models.StatusCompleted, "s9")

		req := testutil.OperatorRequest(t, "GET", "/api/v1/items", nil, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)

		var resp struct {
			Items []models.SyncedItem `json:"items"`
		}
		testutil.ParseJSONResponse(t, w, &resp)
		if len(resp.Items) != 1 || resp.Items[0].RemoteID != "f1" {
			t.Errorf("items = %+v, want only f1", resp.Items)
		}
	})

	t.Run("serves cached content", func(t *testing.T) {
		env.CleanDB(t)
		client, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		item := testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "s1")

		key := "clients/" + client.ExternalID + "/items/f1"
		if err := env.Storage.Put(env.Ctx, key, []byte("raw body"), "text/plain"); err != nil {
			t.Fatalf("failed to seed storage: %v", err)
		}
		item.ContentKey = &key
		if _, err := env.DB.UpsertItems(env.Ctx, client.ID, []models.SyncedItem{*item}); err != nil {
			t.Fatalf("failed to record content key: %v", err)
		}

		req := testutil.OperatorRequest(t, "GET", "/api/v1/items/f1/content", nil, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		testutil.AssertStatus(t, w, http.StatusOK)
		if w.Body.String() != "raw body" {
			t.Errorf("body = %q", w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
			t.Errorf("content type = %q", ct)
		}
	})

	t.Run("item without cached content returns 404", func(t *testing.T) {
		env.CleanDB(t)
		client, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())
		testutil.CreateTestItem(t, env, client.ID, "f1", "alpha.txt", models.StatusCompleted, "s1")

		req := testutil.OperatorRequest(t, "GET", "/api/v1/items/f1/content", nil, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "No cached content for item")
	})

	t.Run("unknown item returns 404", func(t *testing.T) {
		env.CleanDB(t)
		_, rawKey := testutil.CreateTestClient(t, env, "Acme Corp", folderSources())

		req := testutil.OperatorRequest(t, "GET", "/api/v1/items/ghost/content", nil, rawKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Item not found")
	})
}
