// Package domain holds the persisted entities and the root document shape.
// All identifiers are opaque UUID strings; equality is byte-wise.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType distinguishes text channels (with history) from voice channels.
type ChannelType string

const (
	ChannelTypeText  ChannelType = "text"
	ChannelTypeVoice ChannelType = "voice"
)

// User is created on first login and never deleted.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserRef is the denormalized author reference embedded in messages.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Message is appended to a text channel, strictly ordered per channel.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	User      UserRef   `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel lives under a Server. Only text channels carry messages.
type Channel struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	Messages  []Message   `json:"messages,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Server groups channels. Created on demand, never deleted.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Channels  []Channel `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is the single root record the store reads and writes atomically.
type Document struct {
	Users   []User   `json:"users"`
	Servers []Server `json:"servers"`
}

// NewDocument returns the empty default used when nothing is persisted yet.
func NewDocument() *Document {
	return &Document{Users: []User{}, Servers: []Server{}}
}

// FindServer returns the server with the given id, or nil.
func (d *Document) FindServer(serverID string) *Server {
	for i := range d.Servers {
		if d.Servers[i].ID == serverID {
			return &d.Servers[i]
		}
	}
	return nil
}

// FindChannel returns the channel with the given id under a server, or nil.
func (s *Server) FindChannel(channelID string) *Channel {
	for i := range s.Channels {
		if s.Channels[i].ID == channelID {
			return &s.Channels[i]
		}
	}
	return nil
}

// FindUserByName returns the user with the given username, or nil.
func (d *Document) FindUserByName(username string) *User {
	for i := range d.Users {
		if d.Users[i].Username == username {
			return &d.Users[i]
		}
	}
	return nil
}

// FindUser returns the user with the given id, or nil.
func (d *Document) FindUser(userID string) *User {
	for i := range d.Users {
		if d.Users[i].ID == userID {
			return &d.Users[i]
		}
	}
	return nil
}

// NewID allocates a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}
