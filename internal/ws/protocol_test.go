package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/voice"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventUsersUpdate, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, EventUsersUpdate, env.Type)
	assert.NotEmpty(t, env.Payload)
	assert.Empty(t, env.AckID)
}

func TestNewEnvelopeInvalidPayload(t *testing.T) {
	env, err := NewEnvelope("x", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, env)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{Type: EventJoinVoice, AckID: "ack-1"}
	payload, err := json.Marshal(JoinVoicePayload{ChannelID: "chan-1"})
	require.NoError(t, err)
	env.Payload = payload

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventJoinVoice, decoded.Type)
	assert.Equal(t, "ack-1", decoded.AckID)

	var p JoinVoicePayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, "chan-1", p.ChannelID)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"voice error keeps its kind", &voice.Error{Kind: voice.KindIncompatibleCodecs, Message: "no opus"}, "incompatible-codecs"},
		{"server not found", domain.ErrServerNotFound, "not-found"},
		{"channel not found", domain.ErrChannelNotFound, "not-found"},
		{"user not found", domain.ErrUserNotFound, "not-found"},
		{"voice channel append", domain.ErrNotTextChannel, "invalid-state"},
		{"empty message", domain.ErrEmptyMessage, "bad-request"},
		{"anything else", assert.AnError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, msg := classify(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.NotEmpty(t, msg)
		})
	}
}
