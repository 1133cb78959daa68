package shared

import "errors"

var (
	ErrNoLogger     = errors.New("no logger provided")
	ErrNoConfig     = errors.New("no config provided")
	ErrNoAPIKey     = errors.New("no API key provided")
	ErrUnauthorized = errors.New("unauthorized")

	// Session errors.
	ErrDuplicateSession = errors.New("duplicate session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrBadTransition    = errors.New("invalid session state transition")
	ErrHandshakeFailed  = errors.New("handshake failed")

	// Media errors.
	ErrFormatMismatch = errors.New("audio format mismatch")
	ErrShortFrame     = errors.New("short audio frame")

	// Tool errors.
	ErrUnknownTool         = errors.New("unknown tool")
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// Collaborator errors.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrNotFound                = errors.New("not found")
	ErrRejected                = errors.New("rejected")
)
