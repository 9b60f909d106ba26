// Package storage is the raw-content cache: fetched source content is
// written to S3/MinIO so re-edit and content-serving features can read it
// without another source round trip. Cache writes are best effort; the
// engine treats failures as non-fatal.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("shelfsync/storage")

// Sentinel errors for storage operations
var (
	// ErrObjectNotFound indicates the requested object does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions for the operation
	ErrAccessDenied = errors.New("access denied")

	// ErrNetworkError indicates a network connectivity issue
	ErrNetworkError = errors.New("network error")
)

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// S3Storage handles object storage operations
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage creates a new S3/MinIO storage client
func NewS3Storage(config S3Config) (*S3Storage, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	// Verify bucket exists (bucket must be created out-of-band)
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, config.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist: create it before starting the server", config.BucketName)
	}

	return &S3Storage{
		client: client,
		bucket: config.BucketName,
	}, nil
}

// Put writes one item's raw content under the given key, overwriting any
// previous version
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, span := tracer.Start(ctx, "storage.put",
		trace.WithAttributes(
			attribute.String("storage.key", key),
			attribute.Int("file.size", len(data)),
		))
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyStorageError(err, "put")
	}
	return nil
}

// Get retrieves one item's cached raw content
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, string, error) {
	ctx, span := tracer.Start(ctx, "storage.get",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", classifyStorageError(err, "get")
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", classifyStorageError(err, "get")
	}

	contentType := "application/octet-stream"
	if stat, err := object.Stat(); err == nil && stat.ContentType != "" {
		contentType = stat.ContentType
	}

	span.SetAttributes(attribute.Int("file.size", len(data)))
	return data, contentType, nil
}

// Delete removes one cached object. Deleting a missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "storage.delete",
		trace.WithAttributes(attribute.String("storage.key", key)))
	defer span.End()

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyStorageError(err, "delete")
	}
	return nil
}

// DeletePrefix removes every cached object under a prefix (a client's whole
// content cache when the client is deleted)
func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "storage.delete_prefix",
		trace.WithAttributes(attribute.String("storage.prefix", prefix)))
	defer span.End()

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for object := range objects {
		if object.Err != nil {
			span.RecordError(object.Err)
			span.SetStatus(codes.Error, object.Err.Error())
			return classifyStorageError(object.Err, "delete_prefix")
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classifyStorageError(err, "delete_prefix")
		}
	}
	return nil
}

// classifyStorageError examines a storage error and returns an appropriate sentinel error
func classifyStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", operation, ErrObjectNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
	}

	errStr := err.Error()
	for _, marker := range []string{"connection", "timeout", "network", "dial", "refused"} {
		if strings.Contains(errStr, marker) {
			return fmt.Errorf("%s network issue: %w", operation, ErrNetworkError)
		}
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}
