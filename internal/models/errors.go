package models

import "errors"

var (
	// ErrNotFound is returned by stores when a conversation, message or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a write would move a message status backwards
	// or touch a message that already reached a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
