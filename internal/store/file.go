package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opendeck/parley/internal/domain"
)

// FileStore keeps the root document in a single JSON file. Writes go through
// a temp file followed by rename, so readers never observe a torn document.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFileStore creates a file-backed store at path, creating the parent
// directory if needed.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		path:   path,
		logger: logger.With("component", "store", "backend", "file"),
	}, nil
}

func (s *FileStore) Read(ctx context.Context) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStore) readLocked() (*domain.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read failed, returning empty document", "error", err)
		}
		return domain.NewDocument(), nil
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("corrupt document, returning empty default", "error", err)
		return domain.NewDocument(), nil
	}
	if doc.Users == nil {
		doc.Users = []domain.User{}
	}
	if doc.Servers == nil {
		doc.Servers = []domain.Server{}
	}
	return &doc, nil
}

func (s *FileStore) Write(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", ErrWriteFailed, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *FileStore) Health(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *FileStore) Close() error { return nil }
