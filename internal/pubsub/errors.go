package pubsub

import "errors"

var (
	// ErrClosed is returned for operations on a closed PubSub.
	ErrClosed = errors.New("pubsub is closed")
)
