// Package ws is the signaling gateway: the websocket front door that feeds
// the presence registry, the channel membership index, the text pipeline and
// the voice orchestrator. Each connection's events are handled on its read
// goroutine, so per-connection handling is serialized by construction.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/presence"
	"github.com/opendeck/parley/internal/pubsub"
	"github.com/opendeck/parley/internal/sfu"
	"github.com/opendeck/parley/internal/voice"
)

// signalTimeout bounds every ack'd signaling operation. On expiry the client
// gets a failed ack and the operation's partial state is torn down.
const signalTimeout = 5 * time.Second

// Gateway owns the live connections and routes their events to the domain
// services.
type Gateway struct {
	directory    *directory.Service
	orchestrator *voice.Orchestrator
	registry     *presence.Registry
	index        *presence.ChannelIndex
	bus          pubsub.PubSub
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	users   map[string]presence.UserView
	subs    map[string]pubsub.Subscription
}

// NewGateway wires the gateway to its collaborators.
func NewGateway(dir *directory.Service, orch *voice.Orchestrator, registry *presence.Registry, index *presence.ChannelIndex, bus pubsub.PubSub, logger *slog.Logger) *Gateway {
	return &Gateway{
		directory:    dir,
		orchestrator: orch,
		registry:     registry,
		index:        index,
		bus:          bus,
		logger:       logger.With("component", "gateway"),
		clients:      make(map[string]*Client),
		users:        make(map[string]presence.UserView),
		subs:         make(map[string]pubsub.Subscription),
	}
}

// Run subscribes to the broadcast topic and relays its events (server,
// channel and message creations) to every connected client until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	sub, err := g.bus.Subscribe(ctx, pubsub.Topics.Broadcast(), func(_ context.Context, msg *pubsub.Message) {
		g.broadcast(&Envelope{Type: msg.Type, Payload: msg.Payload})
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Register adds a connection and binds its event topic.
func (g *Gateway) Register(c *Client) {
	sub, err := g.bus.Subscribe(context.Background(), pubsub.Topics.Conn(c.id), func(_ context.Context, msg *pubsub.Message) {
		g.handleBusEvent(c, msg)
	})
	if err != nil {
		g.logger.Error("subscribe connection topic failed", "conn_id", c.id, "error", err)
	}

	g.mu.Lock()
	g.clients[c.id] = c
	if sub != nil {
		g.subs[c.id] = sub
	}
	g.mu.Unlock()

	g.logger.Debug("client connected", "conn_id", c.id)
}

// Unregister runs the disconnect path: voice teardown, membership and
// presence removal with their snapshot broadcasts, topic unsubscription.
// Safe to call more than once per connection.
func (g *Gateway) Unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	_, identified := g.users[c.id]
	delete(g.users, c.id)
	sub := g.subs[c.id]
	delete(g.subs, c.id)
	g.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}

	ctx := context.Background()
	if err := g.orchestrator.Leave(ctx, c.id); err != nil {
		g.logger.Error("voice cleanup on disconnect failed", "conn_id", c.id, "error", err)
	}
	g.broadcastVoiceSnapshots(g.index.Remove(c.id))

	if identified {
		g.broadcastUsers(g.registry.Remove(c.id))
	}

	c.closeSend()
	if c.cancel != nil {
		c.cancel()
	}
	g.logger.Info("client disconnected", "conn_id", c.id)
}

// HandleEvent dispatches one inbound envelope.
func (g *Gateway) HandleEvent(c *Client, env *Envelope) {
	switch env.Type {
	case EventUserOnline:
		g.handleUserOnline(c, env)
	case EventSendMessage:
		g.handleSendMessage(c, env)
	case EventJoinVoice:
		g.handleJoinVoice(c, env)
	case EventLeaveVoice:
		g.handleLeaveVoice(c, env)
	case EventCreateTransport:
		g.handleCreateTransport(c, env)
	case EventConnectTransport:
		g.handleConnectTransport(c, env)
	case EventProduce:
		g.handleProduce(c, env)
	case EventConsume:
		g.handleConsume(c, env)
	case EventUserSpeaking:
		g.handleUserSpeaking(c, env)
	default:
		c.sendError("unknown_event", "unknown event type: "+env.Type)
	}
}

func (g *Gateway) handleUserOnline(c *Client, env *Envelope) {
	var p UserOnlinePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
		g.fail(c, env, voiceBadRequest("user_id is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	user, err := g.directory.GetUser(ctx, p.UserID)
	if err != nil {
		g.fail(c, env, err)
		return
	}

	view := presence.UserView{ID: user.ID, Username: user.Username, Avatar: user.AvatarURL}
	g.mu.Lock()
	g.users[c.id] = view
	g.mu.Unlock()

	g.broadcastUsers(g.registry.Add(c.id, view))

	// Catch the new connection up on current voice channel occupancy.
	for _, snap := range g.index.Snapshot() {
		_ = c.SendEvent(EventVoiceUsersUpdate, snap)
	}

	g.ok(c, env, nil)
	g.logger.Info("user online", "conn_id", c.id, "user_id", user.ID, "username", user.Username)
}

func (g *Gateway) handleSendMessage(c *Client, env *Envelope) {
	user, ok := g.user(c)
	if !ok {
		g.fail(c, env, voiceInvalidState("identify with user_online first"))
		return
	}

	var p SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.fail(c, env, voiceBadRequest("invalid send_message payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	_, err := g.directory.AppendMessage(ctx, p.ServerID, p.ChannelID, p.Content, domain.UserRef{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
	})
	if err != nil {
		g.fail(c, env, err)
		return
	}
	// Delivery to every client happens through the broadcast topic the
	// directory events feed.
	g.ok(c, env, nil)
}

func (g *Gateway) handleJoinVoice(c *Client, env *Envelope) {
	user, ok := g.user(c)
	if !ok {
		g.fail(c, env, voiceInvalidState("identify with user_online first"))
		return
	}

	var p JoinVoicePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ChannelID == "" {
		g.fail(c, env, voiceBadRequest("channel_id is required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	res, err := g.orchestrator.Join(ctx, c.id, user.ID, p.ChannelID)
	if err != nil {
		g.fail(c, env, err)
		return
	}

	g.broadcastVoiceSnapshots(g.index.Add(p.ChannelID, c.id, user))
	g.ok(c, env, nil)

	_ = c.SendEvent(EventRouterCapabilities, RouterCapabilitiesPayload{
		RTPCapabilities: res.RouterRTPCapabilities,
	})
	_ = c.SendEvent(EventExistingProducers, ExistingProducersPayload{
		Producers: res.ExistingProducers,
	})
}

func (g *Gateway) handleLeaveVoice(c *Client, env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := g.orchestrator.Leave(ctx, c.id); err != nil {
		g.logger.Error("leave voice failed", "conn_id", c.id, "error", err)
	}
	g.broadcastVoiceSnapshots(g.index.Remove(c.id))
	g.ok(c, env, nil)
}

func (g *Gateway) handleCreateTransport(c *Client, env *Envelope) {
	var p CreateTransportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.fail(c, env, voiceBadRequest("invalid create-transport payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	info, err := g.orchestrator.CreateTransport(ctx, c.id, sfu.Direction(p.Direction))
	if err != nil {
		g.fail(c, env, err)
		return
	}
	g.ok(c, env, info)
}

func (g *Gateway) handleConnectTransport(c *Client, env *Envelope) {
	var p ConnectTransportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.TransportID == "" {
		g.fail(c, env, voiceBadRequest("invalid connect-transport payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	err := g.orchestrator.ConnectTransport(ctx, c.id, p.TransportID, sfu.ConnectParameters{
		DTLSParameters: p.DTLSParameters,
		ICEParameters:  p.ICEParameters,
		ICECandidates:  p.ICECandidates,
	})
	if err != nil {
		g.fail(c, env, err)
		return
	}
	g.ok(c, env, nil)
}

func (g *Gateway) handleProduce(c *Client, env *Envelope) {
	var p ProducePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.TransportID == "" {
		g.fail(c, env, voiceBadRequest("invalid produce payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	producerID, err := g.orchestrator.Produce(ctx, c.id, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		g.fail(c, env, err)
		return
	}
	g.ok(c, env, ProduceResult{ProducerID: producerID})
}

func (g *Gateway) handleConsume(c *Client, env *Envelope) {
	var p ConsumePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.TransportID == "" || p.ProducerID == "" {
		g.fail(c, env, voiceBadRequest("invalid consume payload"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	res, err := g.orchestrator.Consume(ctx, c.id, p.TransportID, p.ProducerID, p.RTPCapabilities)
	if err != nil {
		g.fail(c, env, err)
		return
	}
	g.ok(c, env, res)
}

func (g *Gateway) handleUserSpeaking(c *Client, env *Envelope) {
	user, ok := g.user(c)
	if !ok {
		return
	}
	channelID, inChannel := g.index.Channel(c.id)
	if !inChannel {
		return
	}

	var p UserSpeakingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	update, err := NewEnvelope(EventUserSpeakingUpdate, UserSpeakingUpdatePayload{
		ConnID:    c.id,
		UserID:    user.ID,
		ChannelID: channelID,
		Speaking:  p.Speaking,
	})
	if err != nil {
		return
	}

	for _, connID := range g.index.Members(channelID) {
		if connID == c.id {
			continue
		}
		if peer := g.client(connID); peer != nil {
			_ = peer.Send(update)
		}
	}
}

// handleBusEvent relays events published to this connection's topic.
func (g *Gateway) handleBusEvent(c *Client, msg *pubsub.Message) {
	switch msg.Type {
	case voice.EventNewProducer:
		_ = c.Send(&Envelope{Type: EventNewProducer, Payload: msg.Payload})
	case voice.EventProducerClosed:
		_ = c.Send(&Envelope{Type: EventProducerClosed, Payload: msg.Payload})
	case voice.EventPeerLeft:
		// The orchestrator already tore the participant down; mirror that
		// in the membership index and tell everyone.
		g.broadcastVoiceSnapshots(g.index.Remove(c.id))
	default:
		g.logger.Debug("unhandled connection event", "type", msg.Type, "conn_id", c.id)
	}
}

// ProduceResult is the ack data of produce.
type ProduceResult struct {
	ProducerID string `json:"producer_id"`
}

func (g *Gateway) user(c *Client) (presence.UserView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[c.id]
	return u, ok
}

func (g *Gateway) client(connID string) *Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[connID]
}

// ok acks a request successfully, carrying data when the operation returned
// some.
func (g *Gateway) ok(c *Client, env *Envelope, data interface{}) {
	if env.AckID == "" {
		return
	}
	payload := AckPayload{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			g.logger.Error("marshal ack data failed", "error", err)
			c.sendAck(env.AckID, AckPayload{Success: false, Error: &AckError{
				Kind: string(voice.KindInternal), Message: "internal error",
			}})
			return
		}
		payload.Data = raw
	}
	c.sendAck(env.AckID, payload)
}

// fail acks a request with its error kind, or sends a plain error event for
// fire-and-forget requests.
func (g *Gateway) fail(c *Client, env *Envelope, err error) {
	kind, message := classify(err)
	if env.AckID == "" {
		c.sendError(kind, message)
		return
	}
	c.sendAck(env.AckID, AckPayload{Success: false, Error: &AckError{Kind: kind, Message: message}})
}

// classify maps errors onto the signaling error kinds.
func classify(err error) (kind, message string) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrServerNotFound),
		errors.Is(err, domain.ErrChannelNotFound):
		return string(voice.KindNotFound), err.Error()
	case errors.Is(err, domain.ErrNotTextChannel):
		return string(voice.KindInvalidState), err.Error()
	case errors.Is(err, domain.ErrEmptyUsername),
		errors.Is(err, domain.ErrEmptyName),
		errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrInvalidChannelType):
		return string(voice.KindBadRequest), err.Error()
	}
	var ve *voice.Error
	if errors.As(err, &ve) {
		return string(ve.Kind), ve.Message
	}
	return string(voice.KindInternal), "internal error"
}

func voiceBadRequest(msg string) error {
	return &voice.Error{Kind: voice.KindBadRequest, Message: msg}
}

func voiceInvalidState(msg string) error {
	return &voice.Error{Kind: voice.KindInvalidState, Message: msg}
}

// broadcast queues an envelope on every connection.
func (g *Gateway) broadcast(env *Envelope) {
	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		_ = c.Send(env)
	}
}

// broadcastUsers sends a users_update snapshot to everyone.
func (g *Gateway) broadcastUsers(users []presence.UserView) {
	env, err := NewEnvelope(EventUsersUpdate, UsersUpdatePayload{Users: users})
	if err != nil {
		g.logger.Error("marshal users_update failed", "error", err)
		return
	}
	g.broadcast(env)
}

// broadcastVoiceSnapshots sends one voice_channel_users_update per snapshot
// to everyone.
func (g *Gateway) broadcastVoiceSnapshots(snapshots []presence.ChannelSnapshot) {
	for _, snap := range snapshots {
		env, err := NewEnvelope(EventVoiceUsersUpdate, snap)
		if err != nil {
			g.logger.Error("marshal voice snapshot failed", "error", err)
			continue
		}
		g.broadcast(env)
	}
}
