package model

import (
	"encoding/json"
	"time"
)

// MessageType categorizes a DisplayMessage for rendering. Most entries carry
// the EventType of the event that created them; the remaining values mark
// roles that have no event of their own.
type MessageType string

const (
	MessageSystem    MessageType = "SYSTEM"
	MessageUser      MessageType = "USER"
	MessageAssistant MessageType = "ASSISTANT"
)

// MessageTypeOf returns the message type an event of type t creates.
func MessageTypeOf(ev *StreamEvent) MessageType {
	if ev.Type == EventUnknown {
		return MessageType(ev.RawType)
	}
	return MessageType(ev.Type)
}

const (
	// DefaultSender is used when an event carries no agent id.
	DefaultSender = "Agent"
	// UserSender labels the user's own messages in fetched history.
	UserSender = "User"
)

// DisplayMessage is one transcript entry. Created by the first event carrying
// a given message id and mutated in place by later events with the same id.
type DisplayMessage struct {
	MessageID string          `json:"messageId"`
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Events    []*StreamEvent  `json:"events,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Clone returns a copy that shares no mutable state with m. The events
// themselves are immutable and are shared.
func (m *DisplayMessage) Clone() DisplayMessage {
	c := *m
	if m.Events != nil {
		c.Events = append([]*StreamEvent(nil), m.Events...)
	}
	if m.EndTime != nil {
		t := *m.EndTime
		c.EndTime = &t
	}
	return c
}
