package model

import "time"

// AgentKind selects the backend agent a session talks to.
type AgentKind string

const (
	AgentReAct     AgentKind = "ReAct"
	AgentReActPlus AgentKind = "ReAct+"
	AgentCoding    AgentKind = "coding"
)

// DefaultSessionTitle is the title given to sessions before the user names them.
const DefaultSessionTitle = "New conversation"

// Session is one conversation known to the client.
// Temporary sessions exist only locally until the backend assigns an id.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Kind      AgentKind `json:"type"`
	CreatedAt time.Time `json:"createdTime"`
	UpdatedAt time.Time `json:"updatedTime"`
	Temporary bool      `json:"isTemp"`
}

// User is the authenticated account as reported by the backend.
type User struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
	Nickname   string `json:"nickname,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
}
