package errors

import "errors"

// Local precondition errors. Returned before any network call is made.
var (
	ErrNotConnected           = errors.New("not connected to server")
	ErrNoConversationSelected = errors.New("no conversation selected")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrInvalidTitle           = errors.New("invalid conversation title")
	ErrEmptyMessage           = errors.New("message is empty")
	ErrMessageTooLong         = errors.New("message exceeds maximum length")
	ErrNoToken                = errors.New("no bearer token bound")
)

// Server/transport errors.
var (
	ErrMalformedFrame     = errors.New("malformed inbound frame")
	ErrRemoteCall         = errors.New("remote call failed")
	ErrTransport          = errors.New("transport error")
	ErrInvalidCredentials = errors.New("invalid email or password")
)
