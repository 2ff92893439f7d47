// Package store persists the root document. Each backend exposes atomic
// whole-document read/write; there is no partial update and no migration.
package store

import (
	"context"
	"errors"

	"github.com/opendeck/parley/internal/domain"
)

var (
	// ErrWriteFailed wraps backend write errors so callers can map them to 5xx.
	ErrWriteFailed = errors.New("store write failed")
)

// Store is the document store adapter. Implementations must serialize writes
// so that per-channel append order is the order observed by readers.
type Store interface {
	// Read loads the root document. A missing or corrupt record yields the
	// empty default, never an error.
	Read(ctx context.Context) (*domain.Document, error)

	// Write atomically replaces the root document.
	Write(ctx context.Context, doc *domain.Document) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}
