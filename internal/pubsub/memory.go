package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 256

// MemoryPubSub routes messages in-process. Each subscription owns a buffered
// queue drained by a single goroutine, which keeps per-subscription delivery
// ordered without blocking publishers.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	id      uint64
	queue   chan *Message
	done    chan struct{}
	closeMu sync.Mutex
}

// NewMemoryPubSub creates an in-memory pub/sub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	if ps.closed {
		ps.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, 0, len(ps.subscribers[topic]))
	for _, sub := range ps.subscribers[topic] {
		subs = append(subs, sub)
	}
	ps.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(ps.logger, msg)
	}
	return nil
}

func (s *memorySubscription) enqueue(logger *slog.Logger, msg *Message) {
	select {
	case s.queue <- msg:
	case <-s.done:
	default:
		// Queue full. Dropping would reorder nothing but lose the event;
		// a subscriber this far behind is effectively dead.
		logger.Warn("subscription queue full, dropping message",
			"topic", s.topic, "msg_type", msg.Type)
	}
}

func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}

	ps.nextID++
	sub := &memorySubscription{
		ps:    ps,
		topic: topic,
		id:    ps.nextID,
		queue: make(chan *Message, subscriptionBuffer),
		done:  make(chan struct{}),
	}
	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][sub.id] = sub
	ps.mu.Unlock()

	go sub.dispatch(ctx, handler)
	return sub, nil
}

func (s *memorySubscription) dispatch(ctx context.Context, handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			handler(ctx, msg)
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.remove(s.topic, s.id)
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (ps *MemoryPubSub) remove(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if subs, ok := ps.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	var all []*memorySubscription
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	ps.mu.Unlock()

	for _, sub := range all {
		sub.closeMu.Lock()
		select {
		case <-sub.done:
		default:
			close(sub.done)
		}
		sub.closeMu.Unlock()
	}
	return nil
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics.
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
