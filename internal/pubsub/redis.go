package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub spans instances: a message published on one node reaches
// subscribers on all nodes. Used for the text/domain event fan-out; voice
// signaling stays on the node that owns the room.
type RedisPubSub struct {
	client        *redis.Client
	mu            sync.Mutex
	subscriptions map[uint64]*redisSubscription
	nextID        atomic.Uint64
	closed        bool
	logger        *slog.Logger
}

type redisSubscription struct {
	ps     *RedisPubSub
	id     uint64
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisPubSub connects to the Redis instance at url
// (redis://host:port or redis://:password@host:port).
func NewRedisPubSub(url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := slog.Default().With("component", "pubsub", "backend", "redis")
	logger.Info("connected to Redis", "addr", opts.Addr)

	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[uint64]*redisSubscription),
		logger:        logger,
	}, nil
}

func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := ps.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}
	ps.mu.Unlock()

	redisPubSub := ps.client.Subscribe(ctx, topic)
	if _, err := redisPubSub.Receive(ctx); err != nil {
		redisPubSub.Close()
		return nil, fmt.Errorf("subscribe to redis channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:     ps,
		id:     ps.nextID.Add(1),
		topic:  topic,
		pubsub: redisPubSub,
		cancel: cancel,
	}

	ps.mu.Lock()
	ps.subscriptions[sub.id] = sub
	ps.mu.Unlock()

	go sub.receive(subCtx, handler)
	return sub, nil
}

// receive drains the Redis channel and calls the handler inline, preserving
// the per-topic delivery order.
func (s *redisSubscription) receive(ctx context.Context, handler Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				s.ps.logger.Error("failed to unmarshal message", "error", err, "topic", s.topic)
				continue
			}
			handler(ctx, &msg)
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.ps.mu.Lock()
	delete(s.ps.subscriptions, s.id)
	s.ps.mu.Unlock()
	return nil
}

func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := make([]*redisSubscription, 0, len(ps.subscriptions))
	for _, sub := range ps.subscriptions {
		subs = append(subs, sub)
	}
	ps.subscriptions = make(map[uint64]*redisSubscription)
	ps.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		if sub.pubsub != nil {
			sub.pubsub.Close()
		}
	}
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
