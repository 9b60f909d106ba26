package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shelfsync/shelfsync/internal/models"
)

const (
	defaultDriveBaseURL = "https://www.googleapis.com"
	drivePageSize       = 100
)

// Google Workspace document types require an export instead of a media
// download. Exported as plain text.
var driveExportTypes = map[string]bool{
	"application/vnd.google-apps.document":     true,
	"application/vnd.google-apps.spreadsheet":  true,
	"application/vnd.google-apps.presentation": true,
}

// DriveAdapter implements the folder source against a Drive v3-style API.
// It supports the incremental change feed (ChangeFeed capability).
type DriveAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// DriveOption configures a DriveAdapter
type DriveOption func(*DriveAdapter)

// WithDriveBaseURL sets a custom base URL (useful for testing)
func WithDriveBaseURL(url string) DriveOption {
	return func(a *DriveAdapter) {
		a.baseURL = url
	}
}

// WithDriveTimeout sets a custom HTTP timeout
func WithDriveTimeout(d time.Duration) DriveOption {
	return func(a *DriveAdapter) {
		a.httpClient.Timeout = d
	}
}

// NewDriveAdapter creates a folder source adapter
func NewDriveAdapter(opts ...DriveOption) *DriveAdapter {
	a := &DriveAdapter{
		baseURL: defaultDriveBaseURL,
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
func (a *DriveAdapter) Kind() models.SourceKind {
	return models.SourceFolder
}

type driveFile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	ModifiedTime string   `json:"modifiedTime"`
	Trashed      bool     `json:"trashed"`
	Parents      []string `json:"parents"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// ListItems returns metadata for every non-trashed file in the folder
func (a *DriveAdapter) ListItems(ctx context.Context, cfg models.SourceConfig) ([]RemoteItem, error) {
	ctx, span := tracer.Start(ctx, "source.drive.list_items",
		trace.WithAttributes(attribute.String("drive.folder_id", cfg.FolderID)))
	defer span.End()

	var items []RemoteItem
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", cfg.FolderID))
		q.Set("fields", "nextPageToken, files(id, name, mimeType, modifiedTime)")
		q.Set("pageSize", fmt.Sprintf("%d", drivePageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page driveFileList
		if err := a.getJSON(ctx, cfg, "/drive/v3/files?"+q.Encode(), &page); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		for _, f := range page.Files {
			items = append(items, RemoteItem{
				RemoteID:       f.ID,
				Name:           f.Name,
				ContentType:    f.MimeType,
				ModifiedMarker: f.ModifiedTime,
			})
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	span.SetAttributes(attribute.Int("drive.items", len(items)))
	return items, nil
}

// FetchContent downloads one file's content. Google Workspace documents are
// exported as plain text; everything else is downloaded as-is.
func (a *DriveAdapter) FetchContent(ctx context.Context, cfg models.SourceConfig, remoteID, contentType string) (*Content, error) {
	ctx, span := tracer.Start(ctx, "source.drive.fetch_content",
		trace.WithAttributes(
			attribute.String("drive.file_id", remoteID),
			attribute.String("drive.mime_type", contentType),
		))
	defer span.End()

	path := fmt.Sprintf("/drive/v3/files/%s?alt=media", url.PathEscape(remoteID))
	mime := contentType
	if driveExportTypes[contentType] {
		path = fmt.Sprintf("/drive/v3/files/%s/export?mimeType=%s", url.PathEscape(remoteID), url.QueryEscape("text/plain"))
		mime = "text/plain"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("drive fetch: %w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyDriveStatus(resp.StatusCode); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("drive fetch: reading body: %w", err)
	}

	span.SetAttributes(attribute.Int("drive.content_bytes", len(data)))
	return &Content{Data: data, MIME: mime}, nil
}

type driveStartPageToken struct {
	StartPageToken string `json:"startPageToken"`
}

// StartCursor returns a change-feed cursor representing "now"
func (a *DriveAdapter) StartCursor(ctx context.Context, cfg models.SourceConfig) (string, error) {
	ctx, span := tracer.Start(ctx, "source.drive.start_cursor")
	defer span.End()

	var tok driveStartPageToken
	if err := a.getJSON(ctx, cfg, "/drive/v3/changes/startPageToken", &tok); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return tok.StartPageToken, nil
}

type driveChange struct {
	FileID  string     `json:"fileId"`
	Removed bool       `json:"removed"`
	File    *driveFile `json:"file"`
}

type driveChangeList struct {
	Changes           []driveChange `json:"changes"`
	NextPageToken     string        `json:"nextPageToken"`
	NewStartPageToken string        `json:"newStartPageToken"`
}

// Changes returns the folder's changes since cursor. The upstream feed is
// drive-wide, so results are filtered to files whose parents include the
// configured folder; files moved out of the folder surface as removals.
func (a *DriveAdapter) Changes(ctx context.Context, cfg models.SourceConfig, cursor string) (*ChangeSet, error) {
	ctx, span := tracer.Start(ctx, "source.drive.changes",
		trace.WithAttributes(attribute.String("drive.folder_id", cfg.FolderID)))
	defer span.End()

	set := &ChangeSet{}
	pageToken := cursor
	for {
		q := url.Values{}
		q.Set("pageToken", pageToken)
		q.Set("fields", "nextPageToken, newStartPageToken, changes(fileId, removed, file(id, name, mimeType, modifiedTime, trashed, parents))")
		q.Set("pageSize", fmt.Sprintf("%d", drivePageSize))

		var page driveChangeList
		if err := a.getJSON(ctx, cfg, "/drive/v3/changes?"+q.Encode(), &page); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		for _, ch := range page.Changes {
			if ch.Removed || ch.File == nil || ch.File.Trashed {
				set.RemovedIDs = append(set.RemovedIDs, ch.FileID)
				continue
			}
			if !hasParent(ch.File.Parents, cfg.FolderID) {
				// Moved out of the folder: treat as removed so stale cached
				// records are cleaned up. Items never cached are harmless to
				// report removed.
				set.RemovedIDs = append(set.RemovedIDs, ch.FileID)
				continue
			}
			set.Changed = append(set.Changed, RemoteItem{
				RemoteID:       ch.File.ID,
				Name:           ch.File.Name,
				ContentType:    ch.File.MimeType,
				ModifiedMarker: ch.File.ModifiedTime,
			})
		}

		if page.NewStartPageToken != "" {
			set.NewCursor = page.NewStartPageToken
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	span.SetAttributes(
		attribute.Int("drive.changed", len(set.Changed)),
		attribute.Int("drive.removed", len(set.RemovedIDs)),
	)
	return set, nil
}

func hasParent(parents []string, folderID string) bool {
	for _, p := range parents {
		if p == folderID {
			return true
		}
	}
	return false
}

// getJSON performs an authenticated GET and decodes the JSON response,
// classifying HTTP failures into the package sentinel errors
func (a *DriveAdapter) getJSON(ctx context.Context, cfg models.SourceConfig, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("drive request: %w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest && strings.Contains(path, "/changes") {
		// Drive reports an expired page token as a 400 invalidPageToken
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(body), "invalid") || strings.Contains(string(body), "pageToken") {
			return ErrCursorInvalid
		}
		return fmt.Errorf("drive request failed (status 400): %s", string(body))
	}
	if err := classifyDriveStatus(resp.StatusCode); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("drive request: decoding response: %w", err)
	}
	return nil
}

func classifyDriveStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("drive request rejected (status %d): %w", status, ErrAuthExpired)
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return fmt.Errorf("drive request failed (status %d): %w", status, ErrSourceUnavailable)
	case status >= 400:
		return fmt.Errorf("drive request failed (status %d)", status)
	}
	return nil
}
