package kaiwa

import (
	"encoding/json"
	"time"
)

// AgentKind selects the backend agent a conversation talks to.
type AgentKind string

const (
	AgentReAct     AgentKind = "ReAct"
	AgentReActPlus AgentKind = "ReAct+"
	AgentCoding    AgentKind = "coding"
)

// User is the authenticated account.
type User struct {
	UserID     string
	ExternalID string
	Nickname   string
	AvatarURL  string
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	ExternalID string
	Password   string
	Nickname   string
	AvatarURL  string
}

// Registration is the backend's answer to a registration.
type Registration struct {
	UserID     string
	ExternalID string
}

// Credential is the token pair kept by a CredentialStore.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the estimated expiry of AccessToken, already shortened by
	// the configured refresh margin.
	ExpiresAt time.Time
}

// Session is one conversation known to the client. Temporary sessions have a
// locally assigned id until the backend reports the real one.
type Session struct {
	ID        string
	Title     string
	Kind      AgentKind
	CreatedAt time.Time
	UpdatedAt time.Time
	Temporary bool
}

// Event is one event received from the agent stream, as seen by an EventHook.
type Event struct {
	Type      string
	SessionID string
	MessageID string
	AgentID   string
	Message   string
	Data      json.RawMessage
	StartTime time.Time
	EndTime   *time.Time
}

// Message is one transcript entry.
type Message struct {
	ID        string
	SessionID string
	Type      string
	Sender    string
	Text      string
	Data      json.RawMessage
	StartTime time.Time
	EndTime   *time.Time
	// Events is the number of stream events folded into the entry.
	Events int
}

// Phase is one stage of a Plan.
type Phase struct {
	ID          string
	Title       string
	Description string
	Parallel    bool
	Status      string
	Index       int
}

// Plan is the execution plan of a session.
type Plan struct {
	Goal           string
	Phases         []Phase
	CurrentPhaseID string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Notice is emitted when a turn finishes with a warning or fails.
type Notice struct {
	Text      string
	Title     string
	MessageID string
	// Severity is "warning" or "error".
	Severity  string
	StartTime time.Time
}

// Progress is the live progress indicator of the current turn.
type Progress struct {
	Label     string
	AgentID   string
	StartTime time.Time
}

// Status is the connection and task state of the current turn.
type Status struct {
	// Connection is "disconnected", "connected" or "error".
	Connection string
	// Task is "idle", "running", "completed" or "error".
	Task     string
	Progress *Progress
}

// Snapshot is a copy of the transcript and the state of the current turn.
type Snapshot struct {
	Status
	Messages  []Message
	TaskTitle string
	SessionID string
}
