package voice

import (
	"context"

	"github.com/opendeck/parley/internal/sfu"
)

// Engine is the media layer the orchestrator drives. The production
// implementation sits in internal/sfu; tests substitute a fake.
type Engine interface {
	NewRouter(ctx context.Context) (Router, error)
}

// Router groups the transports of one voice room.
type Router interface {
	RTPCapabilities() sfu.RTPCapabilities
	CanConsume(caps sfu.RTPCapabilities) bool
	NewTransport(ctx context.Context, direction sfu.Direction) (Transport, error)
	Close() error
}

// Transport is one client-facing ICE+DTLS stack.
type Transport interface {
	ID() string
	Direction() sfu.Direction
	ICEParameters() sfu.ICEParameters
	ICECandidates() []sfu.ICECandidate
	DTLSParameters() sfu.DTLSParameters
	OnClosed(fn func())
	Connect(ctx context.Context, remote sfu.ConnectParameters) error
	Produce(ctx context.Context, kind string, params sfu.RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps sfu.RTPCapabilities) (Consumer, error)
	Close() error
}

// Producer is one inbound media stream.
type Producer interface {
	ID() string
	Kind() string
	Close() error
}

// Consumer is one outbound copy of a producer's stream.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RTPParameters() sfu.RTPParameters
	Close() error
}

// NewEngine wraps the concrete media engine in the orchestrator's interfaces.
func NewEngine(engine *sfu.Engine) Engine {
	return sfuEngine{engine}
}

type sfuEngine struct{ e *sfu.Engine }

func (a sfuEngine) NewRouter(ctx context.Context) (Router, error) {
	r, err := a.e.NewRouter(ctx)
	if err != nil {
		return nil, err
	}
	return sfuRouter{r}, nil
}

type sfuRouter struct{ r *sfu.Router }

func (a sfuRouter) RTPCapabilities() sfu.RTPCapabilities     { return a.r.RTPCapabilities() }
func (a sfuRouter) CanConsume(caps sfu.RTPCapabilities) bool { return a.r.CanConsume(caps) }
func (a sfuRouter) Close() error                             { return a.r.Close() }

func (a sfuRouter) NewTransport(ctx context.Context, direction sfu.Direction) (Transport, error) {
	t, err := a.r.NewTransport(ctx, direction)
	if err != nil {
		return nil, err
	}
	return sfuTransport{t}, nil
}

type sfuTransport struct{ t *sfu.WebRtcTransport }

func (a sfuTransport) ID() string                         { return a.t.ID() }
func (a sfuTransport) Direction() sfu.Direction           { return a.t.Direction() }
func (a sfuTransport) ICEParameters() sfu.ICEParameters   { return a.t.ICEParameters() }
func (a sfuTransport) ICECandidates() []sfu.ICECandidate  { return a.t.ICECandidates() }
func (a sfuTransport) DTLSParameters() sfu.DTLSParameters { return a.t.DTLSParameters() }
func (a sfuTransport) OnClosed(fn func())                 { a.t.OnClosed(fn) }
func (a sfuTransport) Close() error                       { return a.t.Close() }

func (a sfuTransport) Connect(ctx context.Context, remote sfu.ConnectParameters) error {
	return a.t.Connect(ctx, remote)
}

func (a sfuTransport) Produce(ctx context.Context, kind string, params sfu.RTPParameters) (Producer, error) {
	p, err := a.t.Produce(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a sfuTransport) Consume(ctx context.Context, producerID string, caps sfu.RTPCapabilities) (Consumer, error) {
	c, err := a.t.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, err
	}
	return c, nil
}
