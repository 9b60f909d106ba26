package api

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/shelfsync/shelfsync/internal/engine"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/query"
	"github.com/shelfsync/shelfsync/internal/ratelimit"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/source"
	"github.com/shelfsync/shelfsync/internal/summarize"
	"github.com/shelfsync/shelfsync/internal/testutil"
)

const testOperatorToken = "test-operator-token-0123456789abcdef"

// stubAdapter serves scripted listings so sync passes run without a real
// upstream. It does not implement the change feed, so every pass is full.
type stubAdapter struct {
	mu      sync.Mutex
	kind    models.SourceKind
	listing []source.RemoteItem
	content map[string]string
}

func (a *stubAdapter) Kind() models.SourceKind { return a.kind }

func (a *stubAdapter) ListItems(ctx context.Context, cfg models.SourceConfig) ([]source.RemoteItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]source.RemoteItem(nil), a.listing...), nil
}

func (a *stubAdapter) FetchContent(ctx context.Context, cfg models.SourceConfig, remoteID, contentType string) (*source.Content, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.content[remoteID]
	if !ok {
		return nil, source.ErrNotFound
	}
	return &source.Content{Data: []byte(body), MIME: contentType}, nil
}

// stubGateway produces deterministic summaries and answers
type stubGateway struct {
	mu          sync.Mutex
	lastContext string
}

func (g *stubGateway) Summarize(ctx context.Context, req summarize.SummarizeRequest) (string, error) {
	return "summary of " + req.Name, nil
}

func (g *stubGateway) Answer(ctx context.Context, req summarize.AnswerRequest) (string, error) {
	g.mu.Lock()
	g.lastContext = req.Context
	g.mu.Unlock()
	return "answer: " + req.Question, nil
}

func (g *stubGateway) context() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastContext
}

// newTestServer wires a full router against the test environment with a
// scripted source adapter and gateway
func newTestServer(env *testutil.TestEnvironment, adapter *stubAdapter, gateway *stubGateway) http.Handler {
	index := searchindex.New()
	eng := engine.New(env.DB, source.NewRegistry(adapter), gateway, index, env.Storage)
	queries := query.New(env.DB, index, gateway)

	limiter := ratelimit.NewInMemoryRateLimiter(1000, 1000)
	srv := NewServer(Config{
		DB:            env.DB,
		Storage:       env.Storage,
		Engine:        eng,
		Queries:       queries,
		Guard:         scheduler.NewGuard(env.DB),
		Limiter:       limiter,
		OperatorToken: testOperatorToken,
	})
	return srv.SetupRoutes()
}

func folderSources() []models.SourceConfig {
	return []models.SourceConfig{
		{Kind: models.SourceFolder, FolderID: "folder-1", Token: "drive-token"},
	}
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}
