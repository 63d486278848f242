package types

import "time"

// EventType identifies a fan-out event
type EventType string

const (
	EventConnectionStatus EventType = "connection-status"
	EventMessageAccepted  EventType = "message-accepted"
	EventAgentWorking     EventType = "agent-working"
	EventAgentPartial     EventType = "agent-partial"
	EventAgentResult      EventType = "agent-result"
	EventAgentFailed      EventType = "agent-failed"
	EventSessionError     EventType = "session-error"
)

// IsTerminal reports whether the event ends an agent turn
func (t EventType) IsTerminal() bool {
	return t == EventAgentResult || t == EventAgentFailed
}

// Failure reason codes carried by agent-failed and session-error events
const (
	ReasonTimeout          = "timeout"
	ReasonAPIError         = "api_error"
	ReasonEmptyResponse    = "empty_response"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonWorkerFailure    = "worker_failure"
	ReasonUnknownAgent     = "unknown_agent"
)

// Event is published to a session's fan-out channel and recorded in its event log.
// Sequence is assigned at publish time and is monotonic per session.
type Event struct {
	Type       EventType  `json:"type"`
	SessionID  string     `json:"sessionId"`
	Sequence   uint64     `json:"sequence"`
	MessageID  string     `json:"messageId,omitempty"`
	AgentID    string     `json:"agentId,omitempty"`
	AgentName  string     `json:"agentName,omitempty"`
	AgentRole  Role       `json:"agentRole,omitempty"`
	InReplyTo  string     `json:"inReplyTo,omitempty"`
	Author     string     `json:"author,omitempty"`
	Text       string     `json:"text,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
	Status     string     `json:"status,omitempty"`
	// Truncated is set on connection-status when the requested replay predates the retained log
	Truncated bool      `json:"truncated,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewAgentEvent fills the agent identity fields shared by all agent lifecycle events
func NewAgentEvent(t EventType, sessionID, messageID, inReplyTo string, agent AgentConfig) *Event {
	return &Event{
		Type:       t,
		SessionID:  sessionID,
		MessageID:  messageID,
		AgentID:    agent.AgentID,
		AgentName:  agent.Name,
		AgentRole:  agent.Role,
		InReplyTo:  inReplyTo,
		Author:     agent.Author(),
		Visibility: agent.DefaultVisibility(),
		CreatedAt:  time.Now().UTC(),
	}
}
