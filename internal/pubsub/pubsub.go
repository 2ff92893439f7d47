// Package pubsub is the event fabric between the REST surface, the voice
// orchestrator and the websocket gateway. The memory backend serves a single
// instance; the Redis backend spans instances for the text/domain events.
//
// Delivery is in-order per subscription: the sequence a subscriber observes
// on one topic matches publish order on that topic.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message is a typed event on a topic.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into a Message for the given topic and type.
func NewMessage(topic, eventType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: topic, Type: eventType, Payload: data}, nil
}

// Handler processes one message. Handlers run on the subscription's
// dispatcher goroutine; a slow handler delays later messages on the same
// subscription, never the publisher.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// PubSub is the publish/subscribe interface. Implementations are safe for
// concurrent use.
type PubSub interface {
	Publish(ctx context.Context, topic string, msg *Message) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// TopicBuilder constructs consistent topic names.
type TopicBuilder struct{}

// Conn is the topic for events addressed to one live connection.
func (TopicBuilder) Conn(connID string) string {
	return "conn:" + connID
}

// Broadcast is the topic for events every connected client receives.
func (TopicBuilder) Broadcast() string {
	return "broadcast"
}

// Topics is the shared topic name helper.
var Topics = TopicBuilder{}
