package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendeck/parley/internal/directory"
	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/presence"
	"github.com/opendeck/parley/internal/pubsub"
	"github.com/opendeck/parley/internal/sfu"
	"github.com/opendeck/parley/internal/store"
	"github.com/opendeck/parley/internal/testutil"
	"github.com/opendeck/parley/internal/voice"
)

// stubEngine satisfies the voice media interfaces without touching the
// network, so gateway tests exercise the full signaling path.
type stubEngine struct{}

func (stubEngine) NewRouter(ctx context.Context) (voice.Router, error) {
	return stubRouter{}, nil
}

type stubRouter struct{}

func (stubRouter) RTPCapabilities() sfu.RTPCapabilities {
	return sfu.RTPCapabilities{Codecs: []sfu.RTPCodecCapability{{
		MimeType: "audio/opus", ClockRate: 48000, Channels: 2,
	}}}
}

func (stubRouter) CanConsume(caps sfu.RTPCapabilities) bool { return caps.HasCompatibleAudio() }

func (stubRouter) Close() error { return nil }

func (stubRouter) NewTransport(ctx context.Context, direction sfu.Direction) (voice.Transport, error) {
	return &stubTransport{id: "t-" + string(direction), direction: direction}, nil
}

type stubTransport struct {
	id        string
	direction sfu.Direction
}

func (t *stubTransport) ID() string               { return t.id }
func (t *stubTransport) Direction() sfu.Direction { return t.direction }
func (t *stubTransport) OnClosed(fn func())       {}
func (t *stubTransport) Close() error             { return nil }

func (t *stubTransport) ICEParameters() sfu.ICEParameters {
	return sfu.ICEParameters{UsernameFragment: "uf", Password: "pw"}
}

func (t *stubTransport) ICECandidates() []sfu.ICECandidate { return nil }

func (t *stubTransport) DTLSParameters() sfu.DTLSParameters { return sfu.DTLSParameters{} }

func (t *stubTransport) Connect(ctx context.Context, remote sfu.ConnectParameters) error { return nil }

func (t *stubTransport) Produce(ctx context.Context, kind string, params sfu.RTPParameters) (voice.Producer, error) {
	return stubProducer{id: t.id + "-producer"}, nil
}

func (t *stubTransport) Consume(ctx context.Context, producerID string, caps sfu.RTPCapabilities) (voice.Consumer, error) {
	return stubConsumer{id: t.id + "-consumer", producerID: producerID}, nil
}

type stubProducer struct{ id string }

func (p stubProducer) ID() string   { return p.id }
func (p stubProducer) Kind() string { return "audio" }
func (p stubProducer) Close() error { return nil }

type stubConsumer struct{ id, producerID string }

func (c stubConsumer) ID() string                       { return c.id }
func (c stubConsumer) ProducerID() string               { return c.producerID }
func (c stubConsumer) Kind() string                     { return "audio" }
func (c stubConsumer) RTPParameters() sfu.RTPParameters { return sfu.RTPParameters{} }
func (c stubConsumer) Close() error                     { return nil }

type testGateway struct {
	gateway   *Gateway
	directory *directory.Service
	server    *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	logger := testutil.Logger()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "doc.json"), logger)
	require.NoError(t, err)

	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { bus.Close() })

	dir := directory.NewService(st, NewBroadcaster(bus, logger), logger)
	orch := voice.NewOrchestrator(stubEngine{}, bus, logger)
	gw := NewGateway(dir, orch, presence.NewRegistry(), presence.NewChannelIndex(), bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = gw.Run(ctx) }()

	srv := httptest.NewServer(NewHandler(gw, logger))
	t.Cleanup(srv.Close)

	return &testGateway{gateway: gw, directory: dir, server: srv}
}

// testConn wraps a dialed websocket and demultiplexes inbound envelopes.
// Skipped envelopes are kept, so waiters are order-independent.
type testConn struct {
	conn    *websocket.Conn
	events  chan Envelope
	pending []Envelope
}

func (tg *testGateway) dial(t *testing.T) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	tc := &testConn{conn: conn, events: make(chan Envelope, 64)}
	go tc.readLoop()
	return tc
}

// readLoop splits batched frames on newlines, matching the write pump's
// coalescing.
func (tc *testConn) readLoop() {
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			close(tc.events)
			return
		}
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(part) == 0 {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(part, &env); err == nil {
				tc.events <- env
			}
		}
	}
}

func (tc *testConn) send(t *testing.T, eventType, ackID string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Type: eventType, Payload: data, AckID: ackID}
	require.NoError(t, tc.conn.WriteJSON(env))
}

// waitMatch returns the first envelope accepted by match, holding on to
// everything it skips for later waiters.
func (tc *testConn) waitMatch(t *testing.T, what string, match func(Envelope) bool) Envelope {
	t.Helper()
	for i, env := range tc.pending {
		if match(env) {
			tc.pending = append(tc.pending[:i], tc.pending[i+1:]...)
			return env
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-tc.events:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(env) {
				return env
			}
			tc.pending = append(tc.pending, env)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (tc *testConn) waitFor(t *testing.T, eventType string) Envelope {
	t.Helper()
	return tc.waitMatch(t, eventType, func(env Envelope) bool { return env.Type == eventType })
}

func (tc *testConn) waitForAck(t *testing.T, ackID string) AckPayload {
	t.Helper()
	env := tc.waitMatch(t, "ack "+ackID, func(env Envelope) bool {
		return env.Type == EventAck && env.AckID == ackID
	})
	var p AckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func (tg *testGateway) login(t *testing.T, username string) *domain.User {
	t.Helper()
	user, err := tg.directory.Login(context.Background(), username)
	require.NoError(t, err)
	return user
}

func TestGatewayUserOnlineBroadcastsPresence(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")

	connA := tg.dial(t)
	connA.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})

	env := connA.waitFor(t, EventUsersUpdate)
	var p UsersUpdatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Len(t, p.Users, 1)
	assert.Equal(t, "ada", p.Users[0].Username)

	// A second user coming online reaches both connections.
	grace := tg.login(t, "grace")
	connB := tg.dial(t)
	connB.send(t, EventUserOnline, "", UserOnlinePayload{UserID: grace.ID})

	for {
		env := connA.waitFor(t, EventUsersUpdate)
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		if len(p.Users) == 2 {
			break
		}
	}
}

func TestGatewayUnknownUserOnline(t *testing.T) {
	tg := newTestGateway(t)

	conn := tg.dial(t)
	conn.send(t, EventUserOnline, "ack-1", UserOnlinePayload{UserID: "no-such-user"})

	ack := conn.waitForAck(t, "ack-1")
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "not-found", ack.Error.Kind)
}

func TestGatewayVoiceJoinFlow(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")

	conn := tg.dial(t)
	conn.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})
	conn.waitFor(t, EventUsersUpdate)

	conn.send(t, EventJoinVoice, "join-1", JoinVoicePayload{ChannelID: "chan-voice"})

	// Membership update precedes the ack on the wire.
	update := conn.waitFor(t, EventVoiceUsersUpdate)
	var snap VoiceUsersUpdatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &snap))
	assert.Equal(t, "chan-voice", snap.ChannelID)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, ada.ID, snap.Users[0].ID)

	ack := conn.waitForAck(t, "join-1")
	assert.True(t, ack.Success)

	caps := conn.waitFor(t, EventRouterCapabilities)
	var capsPayload RouterCapabilitiesPayload
	require.NoError(t, json.Unmarshal(caps.Payload, &capsPayload))
	assert.NotEmpty(t, capsPayload.RTPCapabilities.Codecs)

	existing := conn.waitFor(t, EventExistingProducers)
	var existingPayload ExistingProducersPayload
	require.NoError(t, json.Unmarshal(existing.Payload, &existingPayload))
	assert.Empty(t, existingPayload.Producers)
}

func TestGatewayJoinVoiceRequiresIdentity(t *testing.T) {
	tg := newTestGateway(t)

	conn := tg.dial(t)
	conn.send(t, EventJoinVoice, "join-1", JoinVoicePayload{ChannelID: "chan-voice"})

	ack := conn.waitForAck(t, "join-1")
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "invalid-state", ack.Error.Kind)
}

func TestGatewayTransportSignaling(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")

	conn := tg.dial(t)
	conn.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})
	conn.waitFor(t, EventUsersUpdate)
	conn.send(t, EventJoinVoice, "join-1", JoinVoicePayload{ChannelID: "chan-voice"})
	require.True(t, conn.waitForAck(t, "join-1").Success)

	conn.send(t, EventCreateTransport, "ct-1", CreateTransportPayload{Direction: "send"})
	ack := conn.waitForAck(t, "ct-1")
	require.True(t, ack.Success)

	var info voice.TransportInfo
	require.NoError(t, json.Unmarshal(ack.Data, &info))
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "uf", info.ICEParameters.UsernameFragment)

	conn.send(t, EventConnectTransport, "conn-1", ConnectTransportPayload{TransportID: info.ID})
	require.True(t, conn.waitForAck(t, "conn-1").Success)

	conn.send(t, EventProduce, "prod-1", ProducePayload{
		TransportID:   info.ID,
		Kind:          "audio",
		RTPParameters: sfu.RTPParameters{Encodings: []sfu.RTPEncoding{{SSRC: 42}}},
	})
	ack = conn.waitForAck(t, "prod-1")
	require.True(t, ack.Success)

	var produced ProduceResult
	require.NoError(t, json.Unmarshal(ack.Data, &produced))
	assert.NotEmpty(t, produced.ProducerID)

	// Duplicate direction must fail invalid-state.
	conn.send(t, EventCreateTransport, "ct-2", CreateTransportPayload{Direction: "send"})
	ack = conn.waitForAck(t, "ct-2")
	assert.False(t, ack.Success)
	assert.Equal(t, "invalid-state", ack.Error.Kind)
}

func TestGatewaySpeakingRelay(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")
	grace := tg.login(t, "grace")

	connA := tg.dial(t)
	connA.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})
	connA.waitFor(t, EventUsersUpdate)
	connA.send(t, EventJoinVoice, "join-a", JoinVoicePayload{ChannelID: "chan-voice"})
	require.True(t, connA.waitForAck(t, "join-a").Success)

	connB := tg.dial(t)
	connB.send(t, EventUserOnline, "", UserOnlinePayload{UserID: grace.ID})
	connB.waitFor(t, EventUsersUpdate)
	connB.send(t, EventJoinVoice, "join-b", JoinVoicePayload{ChannelID: "chan-voice"})
	require.True(t, connB.waitForAck(t, "join-b").Success)

	connA.send(t, EventUserSpeaking, "", UserSpeakingPayload{Speaking: true})

	env := connB.waitFor(t, EventUserSpeakingUpdate)
	var p UserSpeakingUpdatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.NotEmpty(t, p.ConnID, "the update names the speaker's connection")
	assert.Equal(t, ada.ID, p.UserID)
	assert.Equal(t, "chan-voice", p.ChannelID)
	assert.True(t, p.Speaking)

	// The stop update carries the same connection id.
	connA.send(t, EventUserSpeaking, "", UserSpeakingPayload{Speaking: false})
	env = connB.waitFor(t, EventUserSpeakingUpdate)
	var stop UserSpeakingUpdatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &stop))
	assert.Equal(t, p.ConnID, stop.ConnID)
	assert.False(t, stop.Speaking)
}

func TestGatewaySendMessageReachesAllClients(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")
	grace := tg.login(t, "grace")

	server, err := tg.directory.CreateServer(context.Background(), "lounge")
	require.NoError(t, err)
	channelID := server.Channels[0].ID

	connA := tg.dial(t)
	connA.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})
	connA.waitFor(t, EventUsersUpdate)

	connB := tg.dial(t)
	connB.send(t, EventUserOnline, "", UserOnlinePayload{UserID: grace.ID})
	connB.waitFor(t, EventUsersUpdate)

	connA.send(t, EventSendMessage, "msg-1", SendMessagePayload{
		ServerID:  server.ID,
		ChannelID: channelID,
		Content:   "hello there",
	})
	require.True(t, connA.waitForAck(t, "msg-1").Success)

	for _, conn := range []*testConn{connA, connB} {
		env := conn.waitFor(t, EventNewMessage)
		var p NewMessagePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, channelID, p.ChannelID)
		require.NotNil(t, p.Message)
		assert.Equal(t, "hello there", p.Message.Content)
		assert.Equal(t, "ada", p.Message.User.Username)
	}

	messages, err := tg.directory.GetMessages(context.Background(), server.ID, channelID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestGatewayDisconnectCleansUp(t *testing.T) {
	tg := newTestGateway(t)
	ada := tg.login(t, "ada")
	grace := tg.login(t, "grace")

	connA := tg.dial(t)
	connA.send(t, EventUserOnline, "", UserOnlinePayload{UserID: ada.ID})
	connA.waitFor(t, EventUsersUpdate)
	connA.send(t, EventJoinVoice, "join-1", JoinVoicePayload{ChannelID: "chan-voice"})
	require.True(t, connA.waitForAck(t, "join-1").Success)

	connB := tg.dial(t)
	connB.send(t, EventUserOnline, "", UserOnlinePayload{UserID: grace.ID})
	// Catch-up snapshot shows ada in the voice channel.
	snapEnv := connB.waitFor(t, EventVoiceUsersUpdate)
	var snap VoiceUsersUpdatePayload
	require.NoError(t, json.Unmarshal(snapEnv.Payload, &snap))
	assert.Equal(t, "chan-voice", snap.ChannelID)
	require.Len(t, snap.Users, 1)

	// Dropping connA drains the channel and takes ada offline.
	_ = connA.conn.Close()

	for {
		env := connB.waitFor(t, EventVoiceUsersUpdate)
		require.NoError(t, json.Unmarshal(env.Payload, &snap))
		if snap.ChannelID == "chan-voice" && len(snap.Users) == 0 {
			break
		}
	}

	var users UsersUpdatePayload
	for {
		env := connB.waitFor(t, EventUsersUpdate)
		require.NoError(t, json.Unmarshal(env.Payload, &users))
		if len(users.Users) == 1 && users.Users[0].ID == grace.ID {
			break
		}
	}
}
