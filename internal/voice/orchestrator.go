// Package voice is the SFU signaling orchestrator: it owns the room registry
// (one router per occupied voice channel), the per-participant transport and
// producer/consumer state, and the new-producer / producer-closed fan-out.
// Rooms exist exactly while occupied: the first join creates the router, the
// last leave closes it.
package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opendeck/parley/internal/pubsub"
	"github.com/opendeck/parley/internal/sfu"
)

// Event types published to per-connection topics.
const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
	EventPeerLeft       = "voice-peer-left"
)

// ProducerEvent is the payload of new-producer and producer-closed events.
type ProducerEvent struct {
	ProducerID string `json:"producer_id"`
	UserID     string `json:"user_id"`
}

// PeerLeftEvent tells the gateway that a participant was torn down from
// below, typically because its DTLS transport died.
type PeerLeftEvent struct {
	ConnID    string `json:"conn_id"`
	ChannelID string `json:"channel_id"`
}

// ProducerInfo describes one live producer to a joining participant.
type ProducerInfo struct {
	ProducerID string `json:"producer_id"`
	UserID     string `json:"user_id"`
}

// JoinResult is the ack payload of a successful join.
type JoinResult struct {
	RouterRTPCapabilities sfu.RTPCapabilities `json:"router_rtp_capabilities"`
	ExistingProducers     []ProducerInfo      `json:"existing_producers"`
}

// TransportInfo is the ack payload of create-transport: everything the client
// needs to build its side of the transport.
type TransportInfo struct {
	ID             string             `json:"id"`
	ICEParameters  sfu.ICEParameters  `json:"ice_parameters"`
	ICECandidates  []sfu.ICECandidate `json:"ice_candidates"`
	DTLSParameters sfu.DTLSParameters `json:"dtls_parameters"`
}

// ConsumeResult is the ack payload of consume.
type ConsumeResult struct {
	ConsumerID    string            `json:"consumer_id"`
	ProducerID    string            `json:"producer_id"`
	Kind          string            `json:"kind"`
	RTPParameters sfu.RTPParameters `json:"rtp_parameters"`
}

type participant struct {
	connID string
	userID string
	room   *room

	sendTransport Transport
	recvTransport Transport
	producer      Producer
	consumers     map[string]Consumer
}

type room struct {
	channelID    string
	router       Router
	participants map[string]*participant // keyed by conn id
}

// Orchestrator serializes all voice control-plane mutations behind one mutex.
// Media packets never touch this lock; only signaling does, and every
// blocking media-layer call (ICE gather, DTLS handshake) runs outside it.
type Orchestrator struct {
	engine Engine
	bus    pubsub.PubSub
	logger *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room        // keyed by channel id
	byConn map[string]*participant // keyed by conn id
}

// NewOrchestrator creates an orchestrator over the given media engine.
func NewOrchestrator(engine Engine, bus pubsub.PubSub, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		engine: engine,
		bus:    bus,
		logger: logger.With("component", "voice"),
		rooms:  make(map[string]*room),
		byConn: make(map[string]*participant),
	}
}

// Join places a connection into a voice channel's room, creating the room and
// its router on first join. Joining the channel one is already in is
// idempotent; joining a different channel without leaving first is
// invalid-state.
func (o *Orchestrator) Join(ctx context.Context, connID, userID, channelID string) (*JoinResult, error) {
	if channelID == "" {
		return nil, errBadRequest("channel id is required")
	}

	o.mu.Lock()
	if p, ok := o.byConn[connID]; ok {
		result, err := o.rejoinLocked(p, channelID)
		o.mu.Unlock()
		return result, err
	}
	if rm, ok := o.rooms[channelID]; ok {
		result := o.registerLocked(rm, connID, userID)
		o.mu.Unlock()
		return result, nil
	}
	o.mu.Unlock()

	// First join of an empty channel: build the router off the lock.
	router, err := o.engine.NewRouter(ctx)
	if err != nil {
		return nil, errInternal("create router: %v", err)
	}

	o.mu.Lock()
	if p, ok := o.byConn[connID]; ok {
		result, err := o.rejoinLocked(p, channelID)
		o.mu.Unlock()
		router.Close()
		return result, err
	}
	if rm, ok := o.rooms[channelID]; ok {
		// Lost the creation race. Register into the winner's room while
		// still holding the lock, then discard our router. Registering and
		// observing the room in one critical section is what keeps a drained
		// room from coming back around a closed router.
		result := o.registerLocked(rm, connID, userID)
		o.mu.Unlock()
		router.Close()
		return result, nil
	}
	rm := &room{
		channelID:    channelID,
		router:       router,
		participants: make(map[string]*participant),
	}
	o.rooms[channelID] = rm
	result := o.registerLocked(rm, connID, userID)
	o.mu.Unlock()

	o.logger.Info("room created", "channel_id", channelID)
	return result, nil
}

// registerLocked adds the connection to rm and builds its join ack. rm must
// currently be in the room registry.
func (o *Orchestrator) registerLocked(rm *room, connID, userID string) *JoinResult {
	p := &participant{
		connID:    connID,
		userID:    userID,
		room:      rm,
		consumers: make(map[string]Consumer),
	}
	rm.participants[connID] = p
	o.byConn[connID] = p

	o.logger.Info("participant joined",
		"conn_id", connID, "user_id", userID, "channel_id", rm.channelID)
	return o.joinResultLocked(p)
}

// rejoinLocked handles a join from a connection already in a room.
func (o *Orchestrator) rejoinLocked(p *participant, channelID string) (*JoinResult, error) {
	if p.room.channelID == channelID {
		return o.joinResultLocked(p), nil
	}
	return nil, errInvalidState("already in voice channel %s", p.room.channelID)
}

// joinResultLocked builds the join ack: router capabilities plus the
// producers of everyone else already in the room.
func (o *Orchestrator) joinResultLocked(p *participant) *JoinResult {
	existing := make([]ProducerInfo, 0)
	for _, other := range p.room.participants {
		if other.connID == p.connID || other.producer == nil {
			continue
		}
		existing = append(existing, ProducerInfo{
			ProducerID: other.producer.ID(),
			UserID:     other.userID,
		})
	}
	return &JoinResult{
		RouterRTPCapabilities: p.room.router.RTPCapabilities(),
		ExistingProducers:     existing,
	}
}

// CreateTransport builds a send or recv transport for the participant. A
// second transport in the same direction is invalid-state.
func (o *Orchestrator) CreateTransport(ctx context.Context, connID string, direction sfu.Direction) (*TransportInfo, error) {
	if !direction.Valid() {
		return nil, errBadRequest("unknown transport direction %q", direction)
	}

	o.mu.Lock()
	p, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return nil, errInvalidState("not in a voice channel")
	}
	if o.transportForLocked(p, direction) != nil {
		o.mu.Unlock()
		return nil, errInvalidState("%s transport already exists", direction)
	}
	router := p.room.router
	o.mu.Unlock()

	// ICE gathering can take a while; run it off the lock.
	transport, err := router.NewTransport(ctx, direction)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errInternal("create transport: %v", ctx.Err())
		}
		return nil, errInternal("create transport: %v", err)
	}

	o.mu.Lock()
	current, ok := o.byConn[connID]
	if !ok || current != p || o.transportForLocked(p, direction) != nil {
		o.mu.Unlock()
		transport.Close()
		return nil, errInvalidState("participant state changed during transport setup")
	}
	if direction == sfu.DirectionSend {
		p.sendTransport = transport
	} else {
		p.recvTransport = transport
	}
	o.mu.Unlock()

	transport.OnClosed(func() {
		go o.handleTransportDied(connID)
	})

	return &TransportInfo{
		ID:             transport.ID(),
		ICEParameters:  transport.ICEParameters(),
		ICECandidates:  transport.ICECandidates(),
		DTLSParameters: transport.DTLSParameters(),
	}, nil
}

func (o *Orchestrator) transportForLocked(p *participant, direction sfu.Direction) Transport {
	if direction == sfu.DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

// ownedTransport resolves a transport ID against the calling connection's
// own transports.
func (o *Orchestrator) ownedTransport(connID, transportID string) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byConn[connID]
	if !ok {
		return nil, errInvalidState("not in a voice channel")
	}
	if p.sendTransport != nil && p.sendTransport.ID() == transportID {
		return p.sendTransport, nil
	}
	if p.recvTransport != nil && p.recvTransport.ID() == transportID {
		return p.recvTransport, nil
	}
	return nil, errNotFound("transport %s not found", transportID)
}

// ConnectTransport runs the ICE/DTLS handshake against the client's
// parameters. The transport must belong to the calling connection.
func (o *Orchestrator) ConnectTransport(ctx context.Context, connID, transportID string, remote sfu.ConnectParameters) error {
	transport, err := o.ownedTransport(connID, transportID)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx, remote); err != nil {
		if ctx.Err() != nil {
			return errInternal("connect transport: %v", ctx.Err())
		}
		return errBadRequest("connect transport: %v", err)
	}
	return nil
}

// Produce starts the participant's audio stream on its send transport and
// announces it to every other participant in the room. One producer per
// participant.
func (o *Orchestrator) Produce(ctx context.Context, connID, transportID, kind string, params sfu.RTPParameters) (string, error) {
	o.mu.Lock()
	p, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return "", errInvalidState("not in a voice channel")
	}
	if p.sendTransport == nil || p.sendTransport.ID() != transportID {
		o.mu.Unlock()
		return "", errNotFound("transport %s not found", transportID)
	}
	if p.producer != nil {
		o.mu.Unlock()
		return "", errInvalidState("producer already exists")
	}
	transport := p.sendTransport
	o.mu.Unlock()

	producer, err := transport.Produce(ctx, kind, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", errInternal("produce: %v", ctx.Err())
		}
		return "", errBadRequest("produce: %v", err)
	}

	o.mu.Lock()
	current, ok := o.byConn[connID]
	if !ok || current != p || p.producer != nil {
		o.mu.Unlock()
		producer.Close()
		return "", errInvalidState("participant state changed during produce")
	}
	p.producer = producer
	peers := o.peersLocked(p)
	o.mu.Unlock()

	o.fanOut(ctx, peers, EventNewProducer, ProducerEvent{
		ProducerID: producer.ID(),
		UserID:     p.userID,
	})

	o.logger.Info("producer announced",
		"conn_id", connID, "producer_id", producer.ID(), "channel_id", p.room.channelID)
	return producer.ID(), nil
}

// Consume attaches another participant's producer to the caller's recv
// transport. The producer must live in the caller's room, and the caller's
// capabilities must cover the router's audio codec.
func (o *Orchestrator) Consume(ctx context.Context, connID, transportID, producerID string, caps sfu.RTPCapabilities) (*ConsumeResult, error) {
	o.mu.Lock()
	p, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return nil, errInvalidState("not in a voice channel")
	}
	if p.recvTransport == nil || p.recvTransport.ID() != transportID {
		o.mu.Unlock()
		return nil, errNotFound("transport %s not found", transportID)
	}
	found := false
	for _, other := range p.room.participants {
		if other.producer != nil && other.producer.ID() == producerID {
			found = true
			break
		}
	}
	if !found {
		o.mu.Unlock()
		return nil, errNotFound("producer %s not found in channel", producerID)
	}
	if !p.room.router.CanConsume(caps) {
		o.mu.Unlock()
		return nil, errIncompatibleCodecs("client capabilities cannot consume room audio")
	}
	transport := p.recvTransport
	o.mu.Unlock()

	consumer, err := transport.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, errInternal("consume: %v", err)
	}

	o.mu.Lock()
	current, ok := o.byConn[connID]
	if !ok || current != p {
		o.mu.Unlock()
		consumer.Close()
		return nil, errInvalidState("participant left during consume")
	}
	p.consumers[consumer.ID()] = consumer
	o.mu.Unlock()

	return &ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// Leave tears the participant down: consumers, producer (with its
// producer-closed fan-out), transports, and finally the room itself if this
// was the last participant. Leaving when not in a room is a no-op.
func (o *Orchestrator) Leave(ctx context.Context, connID string) error {
	o.mu.Lock()
	p, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	delete(o.byConn, connID)
	delete(p.room.participants, connID)

	var peers []string
	var producerID string
	if p.producer != nil {
		producerID = p.producer.ID()
		peers = o.peersOfRoomLocked(p.room)
	}

	var emptyRouter Router
	if len(p.room.participants) == 0 {
		emptyRouter = p.room.router
		delete(o.rooms, p.room.channelID)
	}
	o.mu.Unlock()

	for _, c := range p.consumers {
		c.Close()
	}
	if p.producer != nil {
		p.producer.Close()
		o.fanOut(ctx, peers, EventProducerClosed, ProducerEvent{
			ProducerID: producerID,
			UserID:     p.userID,
		})
	}
	if p.sendTransport != nil {
		p.sendTransport.Close()
	}
	if p.recvTransport != nil {
		p.recvTransport.Close()
	}
	if emptyRouter != nil {
		emptyRouter.Close()
		o.logger.Info("room drained", "channel_id", p.room.channelID)
	}

	o.logger.Info("participant left",
		"conn_id", connID, "channel_id", p.room.channelID)
	return nil
}

// Channel reports which voice channel a connection currently occupies.
func (o *Orchestrator) Channel(connID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byConn[connID]
	if !ok {
		return "", false
	}
	return p.room.channelID, true
}

// RoomCount returns the number of occupied voice channels.
func (o *Orchestrator) RoomCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rooms)
}

// handleTransportDied runs when a participant's transport closed from the
// wire side. The whole participant is torn down and the gateway is told so
// it can update the membership index.
func (o *Orchestrator) handleTransportDied(connID string) {
	o.mu.Lock()
	p, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return
	}
	channelID := p.room.channelID
	o.mu.Unlock()

	ctx := context.Background()
	if err := o.Leave(ctx, connID); err != nil {
		o.logger.Error("cleanup after transport death failed",
			"conn_id", connID, "error", err)
	}
	o.publish(ctx, pubsub.Topics.Conn(connID), EventPeerLeft, PeerLeftEvent{
		ConnID:    connID,
		ChannelID: channelID,
	})
}

// peersLocked returns the conn ids of everyone in p's room except p.
func (o *Orchestrator) peersLocked(p *participant) []string {
	peers := make([]string, 0, len(p.room.participants))
	for id := range p.room.participants {
		if id != p.connID {
			peers = append(peers, id)
		}
	}
	return peers
}

func (o *Orchestrator) peersOfRoomLocked(rm *room) []string {
	peers := make([]string, 0, len(rm.participants))
	for id := range rm.participants {
		peers = append(peers, id)
	}
	return peers
}

// fanOut publishes one event to each peer's connection topic.
func (o *Orchestrator) fanOut(ctx context.Context, connIDs []string, eventType string, payload interface{}) {
	for _, id := range connIDs {
		o.publish(ctx, pubsub.Topics.Conn(id), eventType, payload)
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic, eventType string, payload interface{}) {
	msg, err := pubsub.NewMessage(topic, eventType, payload)
	if err != nil {
		o.logger.Error("marshal event failed", "type", eventType, "error", err)
		return
	}
	if err := o.bus.Publish(ctx, topic, msg); err != nil {
		o.logger.Error("publish event failed", "type", eventType, "topic", topic, "error", err)
	}
}
