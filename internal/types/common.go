// Package types provides shared types used across the chatrelay codebase
package types

import (
	"fmt"
	"strings"
	"time"
)

// Role describes how an agent participates in a conversation
type Role string

const (
	// RolePrimary answers the user directly
	RolePrimary Role = "primary"
	// RoleObserver comments on the primary agent's replies
	RoleObserver Role = "observer"
	// RoleSummarizer keeps the session summary fresh and is hidden from the UI
	RoleSummarizer Role = "hidden_agent"
)

// Visibility is fixed when a message is created and never changes afterwards
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityHidden Visibility = "hidden"
)

// AgentConfig is static per process and never session scoped
type AgentConfig struct {
	AgentID      string  `yaml:"agent_id" json:"agentId"`
	Name         string  `yaml:"name" json:"name"`
	Role         Role    `yaml:"role" json:"role"`
	Model        string  `yaml:"model" json:"model"`
	APIURL       string  `yaml:"api_url" json:"apiUrl"`
	APIKey       string  `yaml:"api_key" json:"-"`
	SystemPrompt string  `yaml:"system_prompt" json:"systemPrompt"`
	Persona      string  `yaml:"persona" json:"persona"`
	MaxTokens    int     `yaml:"max_tokens" json:"-"`
	Temperature  float32 `yaml:"temperature" json:"-"`
	// Stream selects incremental responses when the provider supports them
	Stream bool `yaml:"stream" json:"stream"`
}

// DefaultVisibility returns the visibility assigned to messages authored by this agent
func (a AgentConfig) DefaultVisibility() Visibility {
	if a.Role == RoleSummarizer {
		return VisibilityHidden
	}
	return VisibilityPublic
}

// Author returns the author tag used on messages produced by this agent
func (a AgentConfig) Author() string {
	return AgentAuthor(a.AgentID)
}

const (
	// AuthorUser is the author tag of user messages
	AuthorUser  = "user"
	agentPrefix = "agent:"
)

// AgentAuthor builds the "agent:<id>" author tag
func AgentAuthor(agentID string) string {
	return agentPrefix + agentID
}

// AgentIDFromAuthor extracts the agent id from an author tag, returning false for user authors
func AgentIDFromAuthor(author string) (string, bool) {
	if !strings.HasPrefix(author, agentPrefix) {
		return "", false
	}
	return strings.TrimPrefix(author, agentPrefix), true
}

// Message is an entry in a session's recent-message window
type Message struct {
	MessageID  string     `json:"messageId"`
	SessionID  string     `json:"sessionId"`
	Author     string     `json:"author"`
	AgentID    string     `json:"agentId,omitempty"`
	AgentName  string     `json:"agentName,omitempty"`
	Text       string     `json:"text"`
	InReplyTo  string     `json:"inReplyTo,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// IsUser reports whether the message was written by the user
func (m *Message) IsUser() bool {
	_, agent := AgentIDFromAuthor(m.Author)
	return !agent
}

// Summary is the single mutable summary record of a session
type Summary struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TurnKind distinguishes user-driven turns from summarization turns
type TurnKind string

const (
	TurnKindUser          TurnKind = "user-turn"
	TurnKindSummarization TurnKind = "summarization-turn"
)

// TurnRequest is a work queue entry
type TurnRequest struct {
	// TurnID is the underlying queue entry id, empty until enqueued
	TurnID              string    `json:"turnId,omitempty"`
	SessionID           string    `json:"sessionId"`
	Kind                TurnKind  `json:"kind"`
	AgentID             string    `json:"agentId"`
	TriggeringMessageID string    `json:"triggeringMessageId"`
	EnqueuedAt          time.Time `json:"enqueuedAt"`
}

// IdempotencyKey identifies the logical turn regardless of how often it is delivered.
// Observer turns share a triggering message, so the agent is part of the key.
func (r TurnRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", r.Kind, r.AgentID, r.TriggeringMessageID)
}

// Validate checks the request carries everything a worker needs
func (r TurnRequest) Validate() error {
	switch {
	case r.SessionID == "":
		return fmt.Errorf("turn request: session id is required")
	case r.AgentID == "":
		return fmt.Errorf("turn request: agent id is required")
	case r.TriggeringMessageID == "":
		return fmt.Errorf("turn request: triggering message id is required")
	}
	if r.Kind != TurnKindUser && r.Kind != TurnKindSummarization {
		return fmt.Errorf("turn request: unknown kind %q", r.Kind)
	}
	return nil
}
