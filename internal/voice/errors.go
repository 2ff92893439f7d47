package voice

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a signaling failure for the ack sent back to the
// client.
type ErrorKind string

const (
	KindBadRequest         ErrorKind = "bad-request"
	KindNotFound           ErrorKind = "not-found"
	KindInvalidState       ErrorKind = "invalid-state"
	KindIncompatibleCodecs ErrorKind = "incompatible-codecs"
	KindInternal           ErrorKind = "internal"
)

// Error is a signaling failure with a client-facing kind and message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errBadRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func errInvalidState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func errIncompatibleCodecs(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIncompatibleCodecs, Message: fmt.Sprintf(format, args...)}
}

func errInternal(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to internal for errors that
// did not originate in this package.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}
