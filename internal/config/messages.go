package config

// Error messages used throughout chatrelay
const (
	// ErrSessionAndTextRequired is returned when a submit lacks a session id or text
	ErrSessionAndTextRequired = "sessionId and text are required"
	// ErrInvalidSessionID is returned for session ids outside the accepted alphabet
	ErrInvalidSessionID = "sessionId must match [A-Za-z0-9._-]{1,128}"
	// ErrRedisDown is returned when the backing store cannot accept a message
	ErrRedisDown = "Redis unavailable; cannot accept message."
	// ErrSessionRequired is returned when a stream request lacks a session id
	ErrSessionRequired = "sessionId is required"
	// MsgTurnQueued is the format string for queued turn log lines
	MsgTurnQueued = "Turn %s queued for agent %s"
)
