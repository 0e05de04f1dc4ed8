package model

import "time"

// ConnectionStatus reflects only the transport.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// TaskStatus reflects only the semantic outcome of the current turn.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Progress is the live progress indicator of the current turn.
type Progress struct {
	Label     string    `json:"label"`
	StartTime time.Time `json:"startTime"`
	AgentID   string    `json:"agentId"`
}

// Severity grades a Notice.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is emitted when a turn finishes or fails.
type Notice struct {
	Text      string    `json:"text"`
	StartTime time.Time `json:"startTime"`
	Title     string    `json:"title"`
	MessageID string    `json:"messageId,omitempty"`
	Severity  Severity  `json:"type"`
}
