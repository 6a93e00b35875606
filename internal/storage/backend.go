package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the referenced object does not exist in the backend.
var ErrNotFound = errors.New("storage: object not found")

// Backend defines the interface for offloaded-content storage backends.
type Backend interface {
	// Store saves content under a generated key and returns its URL.
	Store(ctx context.Context, key, contentType string, data []byte) (string, error)

	// Fetch gets content by the URL a prior Store returned.
	Fetch(ctx context.Context, url string) ([]byte, error)

	// Delete removes content by URL.
	Delete(ctx context.Context, url string) error

	// HealthCheck verifies the backend is operational.
	HealthCheck(ctx context.Context) error

	// Name returns the backend identifier.
	Name() string
}
