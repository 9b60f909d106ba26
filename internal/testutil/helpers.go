package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/models"
)

// ClientRequest creates an HTTP request with an authenticated client in
// context, simulating what auth.ClientMiddleware does
func ClientRequest(t *testing.T, method, url string, body interface{}, client *models.Client) *http.Request {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, url, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(auth.ContextWithClient(req.Context(), client))
}

// OperatorRequest creates an HTTP request carrying the operator bearer token
func OperatorRequest(t *testing.T, method, url string, body interface{}, token string) *http.Request {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, url, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// ParseJSONResponse decodes JSON response body into v
func ParseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v. Body: %s", err, w.Body.String())
	}
}

// AssertStatus checks HTTP status code matches expected
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if w.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertErrorResponse checks error response format and message
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedMessage string) {
	t.Helper()

	AssertStatus(t, w, expectedStatus)

	var resp map[string]string
	ParseJSONResponse(t, w, &resp)

	if resp["error"] != expectedMessage {
		t.Errorf("expected error message %q, got %q", expectedMessage, resp["error"])
	}
}

// CreateTestClient creates a client in the database for testing and returns
// it along with the raw API key
func CreateTestClient(t *testing.T, env *TestEnvironment, name string, sources []models.SourceConfig) (*models.Client, string) {
	t.Helper()

	rawKey, keyHash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("failed to generate test API key: %v", err)
	}

	client, err := env.DB.CreateClient(env.Ctx, name, keyHash, 0, sources)
	if err != nil {
		t.Fatalf("failed to create test client: %v", err)
	}
	return client, rawKey
}

// CreateTestItem inserts a synced item directly for testing
func CreateTestItem(t *testing.T, env *TestEnvironment, clientID int64, remoteID, name string, status models.ItemStatus, summary string) *models.SyncedItem {
	t.Helper()

	now := time.Now().UTC()
	item := models.SyncedItem{
		ClientID:       clientID,
		RemoteID:       remoteID,
		Name:           name,
		SourceKind:     models.SourceFolder,
		ContentKind:    models.ContentDocument,
		ContentType:    "text/plain",
		Status:         status,
		RemoteModified: now.Format(time.RFC3339),
		Summary:        summary,
	}
	if status == models.StatusCompleted {
		item.LastSyncedAt = &now
	}

	stored, err := env.DB.UpsertItems(env.Ctx, clientID, []models.SyncedItem{item})
	if err != nil {
		t.Fatalf("failed to create test item: %v", err)
	}
	return &stored[0]
}
