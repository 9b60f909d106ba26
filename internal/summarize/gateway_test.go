package summarize

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func messagesResponse(text string) MessagesResponse {
	return MessagesResponse{
		ID:      "msg_test",
		Type:    "message",
		Role:    "assistant",
		Content: []ContentBlock{TextBlock(text)},
	}
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *AnthropicGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropicGateway(AnthropicConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: server.URL,
	})
}

func TestSummarizeTextContent(t *testing.T) {
	var got MessagesRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing API key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messagesResponse("  a dense summary  "))
	})

	summary, err := g.Summarize(t.Context(), SummarizeRequest{
		Name:        "notes.txt",
		Content:     []byte("quarterly figures"),
		ContentType: "text/plain",
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "a dense summary" {
		t.Errorf("summary = %q, want trimmed text", summary)
	}

	if got.Model != "test-model" {
		t.Errorf("model = %q", got.Model)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 1 {
		t.Fatalf("unexpected message shape: %+v", got.Messages)
	}
	text := got.Messages[0].Content[0].Text
	if !strings.Contains(text, "notes.txt") || !strings.Contains(text, "quarterly figures") {
		t.Errorf("prompt missing name or content: %q", text)
	}
}

func TestSummarizeImageContent(t *testing.T) {
	var got MessagesRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messagesResponse("a chart"))
	})

	_, err := g.Summarize(t.Context(), SummarizeRequest{
		Name:        "chart.png",
		Content:     []byte{0x89, 0x50},
		ContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}

	blocks := got.Messages[0].Content
	if len(blocks) != 2 || blocks[0].Type != "image" {
		t.Fatalf("image request shape = %+v, want image block first", blocks)
	}
	if blocks[0].Source == nil || blocks[0].Source.MediaType != "image/png" {
		t.Errorf("image source = %+v", blocks[0].Source)
	}
}

func TestSummarizeTruncatesOversizedContent(t *testing.T) {
	var got MessagesRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messagesResponse("ok"))
	})

	huge := strings.Repeat("x", maxContentChars+10_000)
	if _, err := g.Summarize(t.Context(), SummarizeRequest{
		Name:        "huge.txt",
		Content:     []byte(huge),
		ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}

	text := got.Messages[0].Content[0].Text
	if len(text) > maxContentChars+1024 {
		t.Errorf("prompt length = %d, oversized content not truncated", len(text))
	}
}

func TestSummarizeEmptyResponse(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse("   "))
	})

	if _, err := g.Summarize(t.Context(), SummarizeRequest{Name: "x", Content: []byte("y")}); err == nil {
		t.Fatal("expected error for empty summarization response")
	}
}

func TestRateLimitClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantHint   time.Duration
	}{
		{"429 with hint", http.StatusTooManyRequests, "7", 7 * time.Second},
		{"429 without hint", http.StatusTooManyRequests, "", 0},
		{"529 overloaded", 529, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"type":  "error",
					"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
				})
			})

			_, err := g.Summarize(t.Context(), SummarizeRequest{Name: "x", Content: []byte("y")})
			var rl *RateLimitedError
			if !errors.As(err, &rl) {
				t.Fatalf("err = %v, want RateLimitedError", err)
			}
			if rl.RetryAfter != tt.wantHint {
				t.Errorf("retry-after hint = %v, want %v", rl.RetryAfter, tt.wantHint)
			}
		})
	}
}

func TestTerminalAPIError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "invalid_request_error", "message": "bad request"},
		})
	})

	_, err := g.Summarize(t.Context(), SummarizeRequest{Name: "x", Content: []byte("y")})
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		t.Fatal("terminal API error classified as rate limited")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want APIError with status 400", err)
	}
}

func TestAnswerIncludesContextAndQuestion(t *testing.T) {
	var got MessagesRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messagesResponse("blue"))
	})

	answer, err := g.Answer(t.Context(), AnswerRequest{
		Question: "what color are widgets?",
		Context:  "## catalog\nwidgets are blue",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "blue" {
		t.Errorf("answer = %q", answer)
	}

	text := got.Messages[0].Content[0].Text
	if !strings.Contains(text, "widgets are blue") || !strings.Contains(text, "what color are widgets?") {
		t.Errorf("prompt missing context or question: %q", text)
	}
	if !strings.Contains(got.System, "ONLY the provided context") {
		t.Errorf("system prompt = %q", got.System)
	}
}

func TestAnswerWithImageAttachment(t *testing.T) {
	var got MessagesRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messagesResponse("ok"))
	})

	_, err := g.Answer(t.Context(), AnswerRequest{
		Question: "what is in this image?",
		Context:  "## docs\nsome docs",
		Image:    []byte{0x89, 0x50},
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	blocks := got.Messages[0].Content
	if len(blocks) != 2 || blocks[0].Type != "image" {
		t.Fatalf("blocks = %+v, want image then text", blocks)
	}
	if blocks[0].Source.MediaType != "image/png" {
		t.Errorf("default media type = %q, want image/png", blocks[0].Source.MediaType)
	}
}
