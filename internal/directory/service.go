// Package directory is the identity and channel directory over the document
// store: resolve-or-create users, server/channel CRUD, message appends.
// Domain events go out through the Events sink so the gateway can fan them
// out to connected clients.
package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/store"
)

// Events receives domain events after the corresponding write succeeded.
type Events interface {
	ServerCreated(ctx context.Context, server *domain.Server)
	ChannelCreated(ctx context.Context, serverID string, channel *domain.Channel)
	MessageCreated(ctx context.Context, serverID, channelID string, msg *domain.Message)
}

// Service mediates all document mutations. A single mutex serializes the
// read-modify-write cycles, which is what makes per-channel append order the
// delivery order.
type Service struct {
	mu     sync.Mutex
	store  store.Store
	events Events
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a directory service. events may be nil (tests).
func NewService(st store.Store, events Events, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: events,
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// Login resolves a user by username, creating one on first sight. Calling it
// twice with the same username returns the same user id.
func (s *Service) Login(ctx context.Context, username string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, domain.ErrEmptyUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if existing := doc.FindUserByName(username); existing != nil {
		u := *existing
		return &u, nil
	}

	user := domain.User{
		ID:        domain.NewID(),
		Username:  username,
		CreatedAt: s.now(),
	}
	doc.Users = append(doc.Users, user)
	if err := s.store.Write(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Info("user created", "user_id", user.ID, "username", user.Username)
	return &user, nil
}

// GetUser looks a user up by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	doc, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	user := doc.FindUser(userID)
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

// SetAvatarURL records the avatar location on the user document.
func (s *Service) SetAvatarURL(ctx context.Context, userID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.store.Read(ctx)
	if err != nil {
		return err
	}
	user := doc.FindUser(userID)
	if user == nil {
		return domain.ErrUserNotFound
	}
	user.AvatarURL = url
	return s.store.Write(ctx, doc)
}

// ListServers returns all servers with their channels.
func (s *Service) ListServers(ctx context.Context) ([]domain.Server, error) {
	doc, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Servers, nil
}

// CreateServer creates a server with a default "general" text channel and
// emits server_created.
func (s *Service) CreateServer(ctx context.Context, name string) (*domain.Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrEmptyName
	}

	s.mu.Lock()
	now := s.now()
	server := domain.Server{
		ID:   domain.NewID(),
		Name: name,
		Channels: []domain.Channel{{
			ID:        domain.NewID(),
			Name:      "general",
			Type:      domain.ChannelTypeText,
			Messages:  []domain.Message{},
			CreatedAt: now,
		}},
		CreatedAt: now,
	}

	doc, err := s.store.Read(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	doc.Servers = append(doc.Servers, server)
	if err := s.store.Write(ctx, doc); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.ServerCreated(ctx, &server)
	}
	return &server, nil
}

// CreateChannel appends a channel under a server and emits channel_created.
// channelType defaults to text.
func (s *Service) CreateChannel(ctx context.Context, serverID, name string, channelType domain.ChannelType) (*domain.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrEmptyName
	}
	if channelType == "" {
		channelType = domain.ChannelTypeText
	}
	if channelType != domain.ChannelTypeText && channelType != domain.ChannelTypeVoice {
		return nil, domain.ErrInvalidChannelType
	}

	channel := domain.Channel{
		ID:        domain.NewID(),
		Name:      name,
		Type:      channelType,
		CreatedAt: s.now(),
	}
	if channelType == domain.ChannelTypeText {
		channel.Messages = []domain.Message{}
	}

	s.mu.Lock()
	doc, err := s.store.Read(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	server := doc.FindServer(serverID)
	if server == nil {
		s.mu.Unlock()
		return nil, domain.ErrServerNotFound
	}
	server.Channels = append(server.Channels, channel)
	if err := s.store.Write(ctx, doc); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.ChannelCreated(ctx, serverID, &channel)
	}
	return &channel, nil
}

// GetMessages returns the history of a text channel.
func (s *Service) GetMessages(ctx context.Context, serverID, channelID string) ([]domain.Message, error) {
	doc, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	server := doc.FindServer(serverID)
	if server == nil {
		return nil, domain.ErrServerNotFound
	}
	channel := server.FindChannel(channelID)
	if channel == nil {
		return nil, domain.ErrChannelNotFound
	}
	if channel.Type != domain.ChannelTypeText {
		return nil, domain.ErrNotTextChannel
	}
	if channel.Messages == nil {
		return []domain.Message{}, nil
	}
	return channel.Messages, nil
}

// AppendMessage allocates a message id and timestamp, persists the append and
// emits new_message. Appends are strictly ordered per channel because the
// whole read-modify-write runs under the service mutex.
func (s *Service) AppendMessage(ctx context.Context, serverID, channelID, content string, author domain.UserRef) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrEmptyMessage
	}

	msg := domain.Message{
		ID:        domain.NewID(),
		Content:   content,
		User:      author,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	doc, err := s.store.Read(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	server := doc.FindServer(serverID)
	if server == nil {
		s.mu.Unlock()
		return nil, domain.ErrServerNotFound
	}
	channel := server.FindChannel(channelID)
	if channel == nil {
		s.mu.Unlock()
		return nil, domain.ErrChannelNotFound
	}
	if channel.Type != domain.ChannelTypeText {
		s.mu.Unlock()
		return nil, domain.ErrNotTextChannel
	}
	channel.Messages = append(channel.Messages, msg)
	if err := s.store.Write(ctx, doc); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.MessageCreated(ctx, serverID, channelID, &msg)
	}
	return &msg, nil
}
