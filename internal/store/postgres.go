package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opendeck/parley/internal/domain"
)

// PostgresStore keeps the root document as a single jsonb row. Useful when
// the file backend is not an option (containerized deployments without a
// persistent volume).
type PostgresStore struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and ensures the document table.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS root_document (
			id  smallint PRIMARY KEY CHECK (id = 1),
			doc jsonb NOT NULL
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "store", "backend", "postgres"),
	}, nil
}

func (s *PostgresStore) Read(ctx context.Context) (*domain.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM root_document WHERE id = 1`).Scan(&data)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("read failed, returning empty document", "error", err)
		}
		return domain.NewDocument(), nil
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("corrupt document, returning empty default", "error", err)
		return domain.NewDocument(), nil
	}
	return &doc, nil
}

func (s *PostgresStore) Write(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", ErrWriteFailed, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO root_document (id, doc) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
