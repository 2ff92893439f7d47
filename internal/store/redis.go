package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/opendeck/parley/internal/domain"
)

const redisDocumentKey = "parley:root_document"

// RedisStore keeps the root document under a single key. GET and SET are
// atomic per call, which is all the adapter contract requires.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to the Redis instance at url.
func NewRedisStore(ctx context.Context, url string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger.With("component", "store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) Read(ctx context.Context) (*domain.Document, error) {
	data, err := s.client.Get(ctx, redisDocumentKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
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

func (s *RedisStore) Write(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", ErrWriteFailed, err)
	}
	if err := s.client.Set(ctx, redisDocumentKey, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
