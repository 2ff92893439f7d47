package directory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/store"
	"github.com/opendeck/parley/internal/testutil"
)

type eventRecorder struct {
	mu       sync.Mutex
	servers  []*domain.Server
	channels []*domain.Channel
	messages []*domain.Message
}

func (r *eventRecorder) ServerCreated(_ context.Context, s *domain.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, s)
}

func (r *eventRecorder) ChannelCreated(_ context.Context, _ string, c *domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, c)
}

func (r *eventRecorder) MessageCreated(_ context.Context, _, _ string, m *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func newTestService(t *testing.T) (*Service, *eventRecorder) {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "doc.json"), testutil.Logger())
	require.NoError(t, err)
	events := &eventRecorder{}
	return NewService(st, events, testutil.Logger()), events
}

func TestLoginCreatesThenResolves(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, "ada")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "ada", first.Username)

	second, err := svc.Login(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same username resolves to the same user")

	other, err := svc.Login(ctx, "grace")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestLoginRejectsEmptyUsername(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Login(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyUsername)
}

func TestCreateServerSeedsGeneralChannel(t *testing.T) {
	svc, events := newTestService(t)
	ctx := context.Background()

	server, err := svc.CreateServer(ctx, "lounge")
	require.NoError(t, err)
	require.Len(t, server.Channels, 1)
	assert.Equal(t, "general", server.Channels[0].Name)
	assert.Equal(t, domain.ChannelTypeText, server.Channels[0].Type)
	assert.NotNil(t, server.Channels[0].Messages)

	require.Len(t, events.servers, 1)
	assert.Equal(t, server.ID, events.servers[0].ID)

	servers, err := svc.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestCreateChannel(t *testing.T) {
	svc, events := newTestService(t)
	ctx := context.Background()

	server, err := svc.CreateServer(ctx, "lounge")
	require.NoError(t, err)

	t.Run("voice channel has no message log", func(t *testing.T) {
		ch, err := svc.CreateChannel(ctx, server.ID, "radio", domain.ChannelTypeVoice)
		require.NoError(t, err)
		assert.Equal(t, domain.ChannelTypeVoice, ch.Type)
		assert.Nil(t, ch.Messages)
		require.NotEmpty(t, events.channels)
	})

	t.Run("type defaults to text", func(t *testing.T) {
		ch, err := svc.CreateChannel(ctx, server.ID, "random", "")
		require.NoError(t, err)
		assert.Equal(t, domain.ChannelTypeText, ch.Type)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := svc.CreateChannel(ctx, server.ID, "x", "video")
		assert.ErrorIs(t, err, domain.ErrInvalidChannelType)
	})

	t.Run("unknown server", func(t *testing.T) {
		_, err := svc.CreateChannel(ctx, "nope", "x", domain.ChannelTypeText)
		assert.ErrorIs(t, err, domain.ErrServerNotFound)
	})
}

func TestAppendMessageOrdering(t *testing.T) {
	svc, events := newTestService(t)
	ctx := context.Background()

	server, err := svc.CreateServer(ctx, "lounge")
	require.NoError(t, err)
	channelID := server.Channels[0].ID
	author := domain.UserRef{ID: "u1", Username: "ada"}

	for _, content := range []string{"one", "two", "three"} {
		_, err := svc.AppendMessage(ctx, server.ID, channelID, content, author)
		require.NoError(t, err)
	}

	messages, err := svc.GetMessages(ctx, server.ID, channelID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Content)
	assert.Equal(t, "two", messages[1].Content)
	assert.Equal(t, "three", messages[2].Content)
	assert.Len(t, events.messages, 3)
}

func TestAppendMessageValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	server, err := svc.CreateServer(ctx, "lounge")
	require.NoError(t, err)
	voiceCh, err := svc.CreateChannel(ctx, server.ID, "radio", domain.ChannelTypeVoice)
	require.NoError(t, err)
	author := domain.UserRef{ID: "u1", Username: "ada"}

	_, err = svc.AppendMessage(ctx, server.ID, server.Channels[0].ID, "  ", author)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = svc.AppendMessage(ctx, server.ID, voiceCh.ID, "hi", author)
	assert.ErrorIs(t, err, domain.ErrNotTextChannel)

	_, err = svc.AppendMessage(ctx, server.ID, "nope", "hi", author)
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)

	_, err = svc.AppendMessage(ctx, "nope", "nope", "hi", author)
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
}

func TestGetMessagesOnVoiceChannel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	server, err := svc.CreateServer(ctx, "lounge")
	require.NoError(t, err)
	voiceCh, err := svc.CreateChannel(ctx, server.ID, "radio", domain.ChannelTypeVoice)
	require.NoError(t, err)

	_, err = svc.GetMessages(ctx, server.ID, voiceCh.ID)
	assert.ErrorIs(t, err, domain.ErrNotTextChannel)
}

func TestSetAvatarURL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Login(ctx, "ada")
	require.NoError(t, err)

	require.NoError(t, svc.SetAvatarURL(ctx, user.ID, "https://cdn.example/avatars/"+user.ID))

	got, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/avatars/"+user.ID, got.AvatarURL)

	assert.ErrorIs(t, svc.SetAvatarURL(ctx, "nope", "x"), domain.ErrUserNotFound)
}
