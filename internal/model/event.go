package model

import (
	"encoding/json"
	"time"
)

// EventType is the kind of a StreamEvent as delivered on the wire.
type EventType string

const (
	// Lifecycle markers.
	EventStarted         EventType = "STARTED"
	EventProgress        EventType = "PROGRESS"
	EventCompleted       EventType = "COMPLETED"
	EventDone            EventType = "DONE"
	EventDoneWithWarning EventType = "DONE_WITH_WARNING"
	EventError           EventType = "ERROR"

	// Step markers.
	EventThinking     EventType = "THINKING"
	EventAction       EventType = "ACTION"
	EventActing       EventType = "ACTING"
	EventObserving    EventType = "OBSERVING"
	EventExecuting    EventType = "EXECUTING"
	EventTool         EventType = "TOOL"
	EventToolApproval EventType = "TOOL_APPROVAL"
	EventInteraction  EventType = "INTERACTION"

	// Planning markers.
	EventTaskAnalysis EventType = "TASK_ANALYSIS"
	EventThought      EventType = "THOUGHT"
	EventInitPlan     EventType = "INIT_PLAN"
	EventUpdatePlan   EventType = "UPDATE_PLAN"
	EventAdvancePlan  EventType = "ADVANCE_PLAN"

	// EventUnknown marks a wire type outside the recognized set. The raw value
	// is kept in StreamEvent.RawType.
	EventUnknown EventType = ""
)

// doneWithWarningWire is the spelling the backend uses on the wire.
const doneWithWarningWire = "DONEWITHWARNING"

// EventTypes lists every recognized event type in declaration order.
var EventTypes = []EventType{
	EventStarted, EventProgress, EventCompleted, EventDone, EventDoneWithWarning, EventError,
	EventThinking, EventAction, EventActing, EventObserving, EventExecuting,
	EventTool, EventToolApproval, EventInteraction,
	EventTaskAnalysis, EventThought, EventInitPlan, EventUpdatePlan, EventAdvancePlan,
}

// ParseEventType maps a wire string to an EventType. Unrecognized values
// return EventUnknown and false.
func ParseEventType(s string) (EventType, bool) {
	if s == doneWithWarningWire {
		return EventDoneWithWarning, true
	}
	for _, t := range EventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return EventUnknown, false
}

// IsPlanning reports whether t is delegated to the plan state machine.
func (t EventType) IsPlanning() bool {
	return t == EventInitPlan || t == EventUpdatePlan || t == EventAdvancePlan
}

// StreamEvent is one event received from the agent stream.
// Immutable once received; the unit of work for aggregation.
type StreamEvent struct {
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	AgentID   string          `json:"agentId"`
	Type      EventType       `json:"-"`
	RawType   string          `json:"type"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

type streamEventAlias StreamEvent

// UnmarshalJSON decodes an event and resolves its Type from the wire value.
// Timestamps may be RFC 3339 strings or epoch milliseconds.
func (e *StreamEvent) UnmarshalJSON(b []byte) error {
	var wire struct {
		streamEventAlias
		StartTime flexTime  `json:"startTime"`
		EndTime   *flexTime `json:"endTime,omitempty"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*e = StreamEvent(wire.streamEventAlias)
	e.StartTime = time.Time(wire.StartTime)
	if wire.EndTime != nil && !time.Time(*wire.EndTime).IsZero() {
		t := time.Time(*wire.EndTime)
		e.EndTime = &t
	} else {
		e.EndTime = nil
	}
	e.Type, _ = ParseEventType(e.RawType)
	return nil
}

// MarshalJSON writes the event with its wire type. Known types are written in
// their canonical spelling.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	alias := streamEventAlias(e)
	if e.Type != EventUnknown {
		alias.RawType = string(e.Type)
	}
	return json.Marshal(alias)
}

// flexTime accepts RFC 3339 strings, epoch milliseconds, or null.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(b, &t); err != nil {
			return err
		}
		*f = flexTime(t)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*f = flexTime(time.UnixMilli(ms).UTC())
	return nil
}

// InitPlanData is the payload of an INIT_PLAN event.
type InitPlanData struct {
	Plan      *PlanData `json:"plan"`
	SessionID string    `json:"sessionId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
}

// UpdatePlanData is the payload of an UPDATE_PLAN event.
type UpdatePlanData struct {
	PlanID    string     `json:"planId,omitempty"`
	Updates   *PlanPatch `json:"updates"`
	Reason    string     `json:"reason,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// AdvancePlanData is the payload of an ADVANCE_PLAN event.
type AdvancePlanData struct {
	PlanID         string     `json:"planId,omitempty"`
	FromPhaseID    string     `json:"fromPhaseId,omitempty"`
	ToPhaseID      string     `json:"toPhaseId,omitempty"`
	CompletedPhase *PlanPhase `json:"completedPhase,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
}
