package sfu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Router is the media hub of one voice room. Every transport created on a
// router runs on the router's worker, and producers register here so that
// recv transports can look them up by id when consuming.
type Router struct {
	id     string
	worker *Worker
	logger *slog.Logger

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool
}

func newRouter(worker *Worker, logger *slog.Logger) *Router {
	id := uuid.NewString()
	return &Router{
		id:        id,
		worker:    worker,
		logger:    logger.With("router_id", id),
		producers: make(map[string]*Producer),
	}
}

// ID returns the router's id.
func (r *Router) ID() string { return r.id }

// RTPCapabilities returns the codec set clients must load before producing or
// consuming on this router.
func (r *Router) RTPCapabilities() RTPCapabilities {
	c := r.worker.codec
	return RTPCapabilities{Codecs: []RTPCodecCapability{{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
		PayloadType: uint8(c.PayloadType),
	}}}
}

// CanConsume reports whether a client with the given capabilities can consume
// audio produced on this router.
func (r *Router) CanConsume(caps RTPCapabilities) bool {
	return caps.HasCompatibleAudio()
}

// NewTransport creates a WebRTC transport in the given direction. The call
// blocks until ICE gathering completes or ctx expires; on expiry the
// half-built transport is torn down before returning.
func (r *Router) NewTransport(ctx context.Context, direction Direction) (*WebRtcTransport, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router closed")
	}
	r.mu.Unlock()

	return newWebRtcTransport(ctx, r, direction)
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID()] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Close marks the router unusable. Transports are owned and closed by the
// caller; the router only forgets its producer registry.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	r.logger.Debug("router closed")
	return nil
}
