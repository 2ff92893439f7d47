package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrServerNotFound     = errors.New("server not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrNotTextChannel     = errors.New("channel is not a text channel")
	ErrInvalidChannelType = errors.New("invalid channel type")
	ErrEmptyUsername      = errors.New("username is required")
	ErrEmptyName          = errors.New("name is required")
	ErrEmptyMessage       = errors.New("message cannot be empty")
)
