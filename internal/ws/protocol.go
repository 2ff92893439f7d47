package ws

import (
	"encoding/json"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/presence"
	"github.com/opendeck/parley/internal/sfu"
	"github.com/opendeck/parley/internal/voice"
)

// Client -> server event types.
const (
	EventUserOnline       = "user_online"
	EventSendMessage      = "send_message"
	EventJoinVoice        = "join_voice_channel"
	EventLeaveVoice       = "leave_voice_channel"
	EventCreateTransport  = "create-transport"
	EventConnectTransport = "connect-transport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventUserSpeaking     = "user_speaking"
)

// Server -> client event types.
const (
	EventAck                = "ack"
	EventError              = "error"
	EventUsersUpdate        = "users_update"
	EventVoiceUsersUpdate   = "voice_channel_users_update"
	EventRouterCapabilities = "router-rtp-capabilities"
	EventExistingProducers  = "existing-producers"
	EventNewProducer        = "new-producer"
	EventProducerClosed     = "producer-closed"
	EventUserSpeakingUpdate = "user_speaking_update"
	EventServerCreated      = "server_created"
	EventChannelCreated     = "channel_created"
	EventNewMessage         = "new_message"
)

// Envelope is the websocket frame in both directions. AckID correlates a
// request with its ack; events that expect no reply omit it.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ack_id,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: eventType, Payload: data}, nil
}

// Client -> server payloads.

type UserOnlinePayload struct {
	UserID string `json:"user_id"`
}

type SendMessagePayload struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type JoinVoicePayload struct {
	ChannelID string `json:"channel_id"`
}

type CreateTransportPayload struct {
	Direction string `json:"direction"`
}

type ConnectTransportPayload struct {
	TransportID    string             `json:"transport_id"`
	DTLSParameters sfu.DTLSParameters `json:"dtls_parameters"`
	ICEParameters  sfu.ICEParameters  `json:"ice_parameters"`
	ICECandidates  []sfu.ICECandidate `json:"ice_candidates,omitempty"`
}

type ProducePayload struct {
	TransportID   string            `json:"transport_id"`
	Kind          string            `json:"kind"`
	RTPParameters sfu.RTPParameters `json:"rtp_parameters"`
}

type ConsumePayload struct {
	TransportID     string              `json:"transport_id"`
	ProducerID      string              `json:"producer_id"`
	RTPCapabilities sfu.RTPCapabilities `json:"rtp_capabilities"`
}

type UserSpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// Server -> client payloads.

// AckError mirrors the signaling error kinds of internal/voice.
type AckError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AckPayload is the reply to any request carrying an ack_id. Data holds the
// operation result on success.
type AckPayload struct {
	Success bool            `json:"success"`
	Error   *AckError       `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type UsersUpdatePayload struct {
	Users []presence.UserView `json:"users"`
}

// VoiceUsersUpdatePayload is one channel membership snapshot.
type VoiceUsersUpdatePayload = presence.ChannelSnapshot

type RouterCapabilitiesPayload struct {
	RTPCapabilities sfu.RTPCapabilities `json:"rtp_capabilities"`
}

type ExistingProducersPayload struct {
	Producers []voice.ProducerInfo `json:"producers"`
}

// UserSpeakingUpdatePayload carries the speaker's connection id; user and
// channel ride along for clients that key on them.
type UserSpeakingUpdatePayload struct {
	ConnID    string `json:"conn_id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Speaking  bool   `json:"speaking"`
}

type ServerCreatedPayload struct {
	Server *domain.Server `json:"server"`
}

type ChannelCreatedPayload struct {
	ServerID string          `json:"server_id"`
	Channel  *domain.Channel `json:"channel"`
}

type NewMessagePayload struct {
	ServerID  string          `json:"server_id"`
	ChannelID string          `json:"channel_id"`
	Message   *domain.Message `json:"message"`
}
