package conversation

import "errors"

var (
	// ErrNotFound indicates the conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRole indicates a message role outside user/assistant.
	ErrInvalidRole = errors.New("invalid role")
)
