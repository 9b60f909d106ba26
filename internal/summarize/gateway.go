package summarize

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("shelfsync/summarize")

// maxContentChars bounds the raw content sent to one summarization call.
// Larger documents are truncated; the summary notes only what was seen.
const maxContentChars = 200_000

// RateLimitedError signals a retryable rate-limit failure from the gateway,
// optionally carrying the server's retry-after hint
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("summarization rate limited (retry after %s)", e.RetryAfter)
	}
	return "summarization rate limited"
}

// SummarizeRequest carries one item's content to be summarized
type SummarizeRequest struct {
	Name        string // item display name, gives the model context
	Content     []byte
	ContentType string // MIME hint; image types are sent as image blocks
}

// AnswerRequest carries a question plus the retrieved context to answer from
type AnswerRequest struct {
	Question       string
	Context        string
	Image          []byte // optional attachment
	ImageMediaType string
}

// Gateway is the capability interface for natural-language generation.
// Implementations fail with *RateLimitedError when retryable; any other
// error is terminal for the operation.
type Gateway interface {
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
	Answer(ctx context.Context, req AnswerRequest) (string, error)
}

const summarizeSystemPrompt = `You summarize documents and records for a search index. ` +
	`Produce a dense, factual summary capturing names, dates, figures, and topics so the ` +
	`item can later be found and used to answer questions. Do not editorialize.`

const answerSystemPrompt = `You answer questions using ONLY the provided context. ` +
	`If the answer is not contained in the context, reply exactly: ` +
	`"I don't have that information in the indexed data." Do not use outside knowledge.`

// AnthropicConfig holds configuration for the Anthropic-backed gateway
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int     // 0 means 1024
	BaseURL   string  // custom base URL (for testing)
	CallsPerS float64 // outbound pacing; 0 disables the limiter
}

// AnthropicGateway implements Gateway over the Anthropic Messages API
type AnthropicGateway struct {
	client    *Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
}

// NewAnthropicGateway creates the production gateway
func NewAnthropicGateway(config AnthropicConfig) *AnthropicGateway {
	var clientOpts []ClientOption
	if config.BaseURL != "" {
		clientOpts = append(clientOpts, WithBaseURL(config.BaseURL))
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	var limiter *rate.Limiter
	if config.CallsPerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.CallsPerS), 1)
	}
	return &AnthropicGateway{
		client:    NewClient(config.APIKey, clientOpts...),
		model:     config.Model,
		maxTokens: maxTokens,
		limiter:   limiter,
	}
}

// Summarize generates a summary for one item's content
func (g *AnthropicGateway) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "summarize.summarize",
		trace.WithAttributes(
			attribute.String("item.name", req.Name),
			attribute.String("item.content_type", req.ContentType),
			attribute.Int("item.content_bytes", len(req.Content)),
		))
	defer span.End()

	var blocks []ContentBlock
	if strings.HasPrefix(req.ContentType, "image/") {
		blocks = append(blocks,
			ImageBlock(req.ContentType, base64.StdEncoding.EncodeToString(req.Content)),
			TextBlock(fmt.Sprintf("Summarize this image named %q for a search index.", req.Name)),
		)
	} else {
		content := string(req.Content)
		if len(content) > maxContentChars {
			content = content[:maxContentChars]
		}
		blocks = append(blocks, TextBlock(fmt.Sprintf("Item name: %s\n\nContent:\n%s", req.Name, content)))
	}

	text, err := g.complete(ctx, summarizeSystemPrompt, blocks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("summarization returned empty response")
	}
	return text, nil
}

// Answer generates an answer to a question over the given context
func (g *AnthropicGateway) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "summarize.answer",
		trace.WithAttributes(attribute.Int("query.context_chars", len(req.Context))))
	defer span.End()

	var blocks []ContentBlock
	if len(req.Image) > 0 {
		mediaType := req.ImageMediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		blocks = append(blocks, ImageBlock(mediaType, base64.StdEncoding.EncodeToString(req.Image)))
	}
	blocks = append(blocks, TextBlock(fmt.Sprintf("Context:\n%s\n\nQuestion: %s", req.Context, req.Question)))

	text, err := g.complete(ctx, answerSystemPrompt, blocks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

// complete runs one Messages API call, pacing through the limiter and
// classifying rate-limit responses
func (g *AnthropicGateway) complete(ctx context.Context, system string, blocks []ContentBlock) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := g.client.CreateMessage(ctx, &MessagesRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    system,
		Messages:  []Message{{Role: "user", Content: blocks}},
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			// 429 and the overloaded signal are retryable; everything else is
			// a terminal generation error for this item
			if apiErr.StatusCode == 429 || apiErr.StatusCode == 529 {
				return "", &RateLimitedError{RetryAfter: apiErr.RetryAfter}
			}
		}
		return "", err
	}
	return strings.TrimSpace(resp.GetTextContent()), nil
}
