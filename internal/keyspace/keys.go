// Package keyspace derives every Redis key that belongs to a chat session.
//
// The session id is embedded verbatim inside a hash tag, so two distinct ids can never
// produce the same key and all keys of one session hash to the same cluster slot.
package keyspace

import "regexp"

// SessionIndex is the set of sessions workers scan for queued turns
const SessionIndex = "sessions:known"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidSessionID reports whether id is acceptable as a session identifier
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Keys holds the storage locations of a single session
type Keys struct {
	SessionID string
	Recent    string
	Summary   string
	Facts     string
	Queue     string
	Fanout    string
	EventLog  string
	Sequence  string
	Lock      string
}

// For returns the keys of sessionID
func For(sessionID string) Keys {
	prefix := "session:{" + sessionID + "}:"
	return Keys{
		SessionID: sessionID,
		Recent:    prefix + "recent",
		Summary:   prefix + "summary",
		Facts:     prefix + "facts",
		Queue:     prefix + "queue",
		Fanout:    prefix + "fanout",
		EventLog:  prefix + "eventlog",
		Sequence:  prefix + "seq",
		Lock:      "lock:session:{" + sessionID + "}",
	}
}

// Turn returns the idempotency record key for a turn
func (k Keys) Turn(idempotencyKey string) string {
	return "session:{" + k.SessionID + "}:turn:" + idempotencyKey
}

// Accepted returns the ingress dedupe marker for a client message id
func (k Keys) Accepted(clientMessageID string) string {
	return "session:{" + k.SessionID + "}:accepted:" + clientMessageID
}

// Expiring lists the keys whose TTL is refreshed on every write to the session
func (k Keys) Expiring() []string {
	return []string{k.Recent, k.Summary, k.Facts, k.Queue, k.EventLog, k.Sequence}
}
