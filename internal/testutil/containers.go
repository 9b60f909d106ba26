package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// TestEnvironment holds test infrastructure (PostgreSQL + MinIO containers)
type TestEnvironment struct {
	DB                *db.DB
	Storage           *storage.S3Storage
	PostgresContainer *postgres.PostgresContainer
	MinioContainer    *minio.MinioContainer
	Ctx               context.Context
}

// SetupTestEnvironment starts PostgreSQL and MinIO containers for integration
// testing. Call once per test or test suite.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("shelfsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}

	database, err := db.Connect(connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	minioContainer, err := minio.Run(ctx,
		"minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	if err != nil {
		t.Fatalf("Failed to start minio container: %v", err)
	}

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	// MinIO needs a moment to accept connections after the port opens
	var s3Storage *storage.S3Storage
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		s3Storage, err = storage.NewS3Storage(storage.S3Config{
			Endpoint:        minioEndpoint,
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			BucketName:      "shelfsync-test",
			UseSSL:          false,
		})
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			t.Fatalf("Failed to create S3 storage after %d retries: %v", maxRetries, err)
		}
		t.Logf("MinIO not ready yet, retrying... (%d/%d)", i+1, maxRetries)
		time.Sleep(500 * time.Millisecond)
	}

	env := &TestEnvironment{
		DB:                database,
		Storage:           s3Storage,
		PostgresContainer: postgresContainer,
		MinioContainer:    minioContainer,
		Ctx:               ctx,
	}

	t.Cleanup(func() {
		env.Cleanup(t)
	})

	return env
}

// Cleanup stops containers and closes connections
func (e *TestEnvironment) Cleanup(t *testing.T) {
	t.Helper()

	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
	}

	if e.PostgresContainer != nil {
		if err := e.PostgresContainer.Terminate(e.Ctx); err != nil {
			t.Logf("Warning: failed to terminate postgres container: %v", err)
		}
	}

	if e.MinioContainer != nil {
		if err := e.MinioContainer.Terminate(e.Ctx); err != nil {
			t.Logf("Warning: failed to terminate minio container: %v", err)
		}
	}
}

// CleanDB truncates all tables to provide clean state for each test.
// Call at the beginning of each test function for isolation.
func (e *TestEnvironment) CleanDB(t *testing.T) {
	t.Helper()

	// Reverse dependency order to avoid FK violations
	tables := []string{
		"synced_items",
		"client_tags",
		"clients",
	}

	ctx := context.Background()
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := e.DB.Exec(ctx, query); err != nil {
			t.Fatalf("Failed to truncate table %s: %v", table, err)
		}
	}
}
