package ws

import (
	"context"
	"log/slog"

	"github.com/opendeck/parley/internal/domain"
	"github.com/opendeck/parley/internal/pubsub"
)

// Broadcaster publishes directory events on the broadcast topic, from where
// every gateway instance relays them to its clients. It is the
// directory.Events implementation wired in main.
type Broadcaster struct {
	bus    pubsub.PubSub
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster over the event bus.
func NewBroadcaster(bus pubsub.PubSub, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{bus: bus, logger: logger.With("component", "broadcaster")}
}

func (b *Broadcaster) ServerCreated(ctx context.Context, server *domain.Server) {
	b.publish(ctx, EventServerCreated, ServerCreatedPayload{Server: server})
}

func (b *Broadcaster) ChannelCreated(ctx context.Context, serverID string, channel *domain.Channel) {
	b.publish(ctx, EventChannelCreated, ChannelCreatedPayload{ServerID: serverID, Channel: channel})
}

func (b *Broadcaster) MessageCreated(ctx context.Context, serverID, channelID string, msg *domain.Message) {
	b.publish(ctx, EventNewMessage, NewMessagePayload{ServerID: serverID, ChannelID: channelID, Message: msg})
}

func (b *Broadcaster) publish(ctx context.Context, eventType string, payload interface{}) {
	topic := pubsub.Topics.Broadcast()
	msg, err := pubsub.NewMessage(topic, eventType, payload)
	if err != nil {
		b.logger.Error("marshal broadcast event failed", "type", eventType, "error", err)
		return
	}
	if err := b.bus.Publish(ctx, topic, msg); err != nil {
		b.logger.Error("publish broadcast event failed", "type", eventType, "error", err)
	}
}
