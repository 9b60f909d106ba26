package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/models"
)

const (
	defaultAirtableBaseURL = "https://api.airtable.com"
	airtablePageSize       = 100
)

// Field names checked (case-insensitive) for a record-level modification
// timestamp. Bases without such a field fall back to a content hash marker,
// which the classifier compares as an opaque string.
var airtableModifiedFields = []string{"last modified", "last_modified", "modified", "updated at", "updated_at"}

// AirtableAdapter implements the table source against an Airtable-style API.
// It supports full listing only; there is no change feed for table sources.
type AirtableAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// AirtableOption configures an AirtableAdapter
type AirtableOption func(*AirtableAdapter)

// WithAirtableBaseURL sets a custom base URL (useful for testing)
func WithAirtableBaseURL(url string) AirtableOption {
	return func(a *AirtableAdapter) {
		a.baseURL = url
	}
}

// WithAirtableTimeout sets a custom HTTP timeout
func WithAirtableTimeout(d time.Duration) AirtableOption {
	return func(a *AirtableAdapter) {
		a.httpClient.Timeout = d
	}
}

// NewAirtableAdapter creates a table source adapter
func NewAirtableAdapter(opts ...AirtableOption) *AirtableAdapter {
	a := &AirtableAdapter{
		baseURL: defaultAirtableBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind reports the source kind this adapter serves
func (a *AirtableAdapter) Kind() models.SourceKind {
	return models.SourceTable
}

type airtableRecord struct {
	ID          string                     `json:"id"`
	CreatedTime string                     `json:"createdTime"`
	Fields      map[string]json.RawMessage `json:"fields"`
}

type airtableRecordList struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

// ListItems returns metadata for every record in the table. Airtable listings
// include full field data, so the modification marker is derived here: a
// modified-time field when the table has one, otherwise a hash of the record's
// fields (raw string inequality is a valid change signal for the classifier).
func (a *AirtableAdapter) ListItems(ctx context.Context, cfg models.SourceConfig) ([]RemoteItem, error) {
	ctx, span := tracer.Start(ctx, "source.airtable.list_items",
		trace.WithAttributes(
			attribute.String("airtable.base_id", cfg.BaseID),
			attribute.String("airtable.table", cfg.TableName),
		))
	defer span.End()

	var items []RemoteItem
	offset := ""
	for {
		q := url.Values{}
		q.Set("pageSize", fmt.Sprintf("%d", airtablePageSize))
		if offset != "" {
			q.Set("offset", offset)
		}
		path := fmt.Sprintf("/v0/%s/%s?%s", url.PathEscape(cfg.BaseID), url.PathEscape(cfg.TableName), q.Encode())

		var page airtableRecordList
		if err := a.getJSON(ctx, cfg, path, &page); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		for _, rec := range page.Records {
			items = append(items, RemoteItem{
				RemoteID:       rec.ID,
				Name:           recordName(rec),
				ContentType:    "application/vnd.airtable.record",
				ModifiedMarker: recordMarker(rec),
			})
		}

		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}

	span.SetAttributes(attribute.Int("airtable.records", len(items)))
	return items, nil
}

// FetchContent retrieves a single record and renders its fields as text
func (a *AirtableAdapter) FetchContent(ctx context.Context, cfg models.SourceConfig, remoteID, contentType string) (*Content, error) {
	ctx, span := tracer.Start(ctx, "source.airtable.fetch_content",
		trace.WithAttributes(attribute.String("airtable.record_id", remoteID)))
	defer span.End()

	path := fmt.Sprintf("/v0/%s/%s/%s", url.PathEscape(cfg.BaseID), url.PathEscape(cfg.TableName), url.PathEscape(remoteID))

	var rec airtableRecord
	if err := a.getJSON(ctx, cfg, path, &rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	text := renderRecord(rec)
	span.SetAttributes(attribute.Int("airtable.content_bytes", len(text)))
	return &Content{Data: []byte(text), MIME: "text/plain"}, nil
}

// recordName picks a display name from common title fields, falling back to
// the record ID
func recordName(rec airtableRecord) string {
	for _, key := range []string{"Name", "name", "Title", "title"} {
		if raw, ok := rec.Fields[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}
	return rec.ID
}

// recordMarker returns the record's modification marker: a modified-time
// field if present, otherwise a content hash
func recordMarker(rec airtableRecord) string {
	for key, raw := range rec.Fields {
		for _, candidate := range airtableModifiedFields {
			if strings.EqualFold(strings.TrimSpace(key), candidate) {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil && s != "" {
					return s
				}
			}
		}
	}

	h := sha256.Sum256([]byte(canonicalFields(rec.Fields)))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// canonicalFields renders fields in sorted key order for stable hashing
func canonicalFields(fields map[string]json.RawMessage) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(bytes.TrimSpace(fields[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderRecord flattens a record's fields into "Field: value" lines, sorted
// by field name so output is stable across syncs
func renderRecord(rec airtableRecord) string {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(renderValue(rec.Fields[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderValue renders a single field value as text. Numbers go through
// decimal to avoid float formatting artifacts (0.30000000000000004 etc.)
// when cells hold currency or precise quantities.
func renderValue(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return renderDecoded(v)
}

func renderDecoded(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return d.String()
		}
		return val.String()
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, renderDecoded(item))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		// Attachment-style objects: prefer a filename or url over raw JSON
		for _, key := range []string{"filename", "name", "url", "id"} {
			if s, ok := val[key].(string); ok && s != "" {
				return s
			}
		}
		out, _ := json.Marshal(val)
		return string(out)
	default:
		out, _ := json.Marshal(val)
		return string(out)
	}
}

// getJSON performs an authenticated GET and decodes the JSON response,
// classifying HTTP failures into the package sentinel errors
func (a *AirtableAdapter) getJSON(ctx context.Context, cfg models.SourceConfig, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("airtable request: %w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("airtable request rejected (status %d): %w", resp.StatusCode, ErrAuthExpired)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("airtable request failed (status %d): %w", resp.StatusCode, ErrSourceUnavailable)
	case resp.StatusCode >= 400:
		return fmt.Errorf("airtable request failed (status %d)", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("airtable request: decoding response: %w", err)
	}
	return nil
}
