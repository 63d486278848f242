package types

import "time"

// AuditEntry describes one submission or tool call for the audit log
type AuditEntry struct {
	SessionID string
	MessageID string
	// Source is the surface the call arrived on, "http" or "mcp"
	Source    string
	ToolName  string
	Arguments map[string]interface{}
	Sequence  uint64
	ErrorMsg  string
	RequestID string
	Timestamp time.Time
}
