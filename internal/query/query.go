// Package query answers natural-language questions over a client's indexed
// summaries. Context comes only from the search index; the gateway is
// instructed to refuse when the answer is not contained in it.
package query

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/summarize"
)

var tracer = otel.Tracer("shelfsync/query")

// maxContextChars bounds the concatenated name+summary context sent to the
// gateway, respecting downstream context-window limits
const maxContextChars = 800_000

// EmptyIndexAnswer is returned without a gateway call when the client has
// nothing indexed
const EmptyIndexAnswer = "Nothing has been indexed for this client yet. Run a sync first."

// Store reloads a client when its index has not been built this process
type Store interface {
	GetClient(ctx context.Context, externalID string) (*models.Client, error)
}

// Request is one question against a client's corpus
type Request struct {
	Question       string
	SourceFilter   models.SourceKind // empty = all sources
	Image          []byte            // optional attachment forwarded to the gateway
	ImageMediaType string
}

// Service builds query context from the search index and delegates
// generation to the summarization gateway
type Service struct {
	store   Store
	index   *searchindex.Index
	gateway summarize.Gateway
}

// New creates a query service
func New(store Store, index *searchindex.Index, gateway summarize.Gateway) *Service {
	return &Service{store: store, index: index, gateway: gateway}
}

// Answer responds to a question using only the client's indexed summaries.
// A client whose index was never built this process gets it rebuilt from
// the store first; the index is derived state, never the source of truth.
func (s *Service) Answer(ctx context.Context, client *models.Client, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "query.answer",
		trace.WithAttributes(
			attribute.String("client.external_id", client.ExternalID),
			attribute.Int("query.question_chars", len(req.Question)),
		))
	defer span.End()

	entries, ok := s.index.Entries(client.ID)
	if !ok {
		reloaded, err := s.store.GetClient(ctx, client.ExternalID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		entries = searchindex.EntriesFromItems(reloaded.Items)
		s.index.Rebuild(client.ID, entries)
	}

	contextText := buildContext(entries, req.SourceFilter)
	if contextText == "" {
		span.SetAttributes(attribute.Bool("query.empty_index", true))
		return EmptyIndexAnswer, nil
	}

	span.SetAttributes(attribute.Int("query.context_chars", len(contextText)))

	answer, err := s.gateway.Answer(ctx, summarize.AnswerRequest{
		Question:       req.Question,
		Context:        contextText,
		Image:          req.Image,
		ImageMediaType: req.ImageMediaType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return answer, nil
}

// buildContext concatenates name+summary blocks for completed items,
// truncated to the context budget
func buildContext(entries []searchindex.Entry, filter models.SourceKind) string {
	var b strings.Builder
	for _, entry := range entries {
		if filter != "" && entry.SourceKind != filter {
			continue
		}
		block := fmt.Sprintf("## %s\n%s\n\n", entry.Name, entry.Summary)
		if b.Len()+len(block) > maxContextChars {
			remaining := maxContextChars - b.Len()
			// Never split a multi-byte rune at the cut point
			for remaining > 0 && !utf8.RuneStart(block[remaining]) {
				remaining--
			}
			if remaining > 0 {
				b.WriteString(block[:remaining])
			}
			break
		}
		b.WriteString(block)
	}
	return strings.TrimSpace(b.String())
}
