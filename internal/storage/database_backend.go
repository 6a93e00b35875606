package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opendesk-io/opendesk-ce/internal/database"
)

const dbURLScheme = "opendesk-blob://"

// DatabaseBackend stores offloaded content in a content_blob table. It serves
// deployments without object storage and keeps the offload contract testable
// without AWS credentials.
type DatabaseBackend struct {
	db *sql.DB
}

// NewDatabaseBackend builds a backend over the given connection.
func NewDatabaseBackend(db *sql.DB) *DatabaseBackend {
	return &DatabaseBackend{db: db}
}

// Name returns the backend identifier.
func (b *DatabaseBackend) Name() string { return "database" }

// Store inserts the content and returns a blob URL.
func (b *DatabaseBackend) Store(ctx context.Context, key, contentType string, data []byte) (string, error) {
	id := uuid.NewString()
	_, err := b.db.ExecContext(ctx, database.ConvertPlaceholders(`
		INSERT INTO content_blob (id, object_key, content_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		id, key, contentType, data, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("storage: insert blob: %w", err)
	}
	return dbURLScheme + id, nil
}

// Fetch reads content by blob URL.
func (b *DatabaseBackend) Fetch(ctx context.Context, url string) ([]byte, error) {
	id, ok := strings.CutPrefix(url, dbURLScheme)
	if !ok {
		return nil, fmt.Errorf("storage: url %q does not belong to this backend", url)
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, database.ConvertPlaceholders(
		`SELECT data FROM content_blob WHERE id = $1`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: fetch blob %s: %w", id, err)
	}
	return data, nil
}

// Delete removes content by blob URL.
func (b *DatabaseBackend) Delete(ctx context.Context, url string) error {
	id, ok := strings.CutPrefix(url, dbURLScheme)
	if !ok {
		return fmt.Errorf("storage: url %q does not belong to this backend", url)
	}
	_, err := b.db.ExecContext(ctx, database.ConvertPlaceholders(
		`DELETE FROM content_blob WHERE id = $1`), id)
	return err
}

// HealthCheck verifies the connection is alive.
func (b *DatabaseBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
