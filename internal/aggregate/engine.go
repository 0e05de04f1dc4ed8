// Package aggregate folds the agent event stream into a transcript of display
// messages, the live progress indicator and the connection and task statuses.
//
// An Engine is fed one connection at a time, from that connection's reader
// goroutine. Observers on other goroutines read copies through Snapshot or
// subscribe to notices and status changes.
package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/notify"
)

var meter = otel.GetMeterProvider().Meter("kaiwa/aggregate")

// ErrorNoticePrefix is prepended to the text of error notices.
const ErrorNoticePrefix = "[ERROR] "

// Hook pre-empts the built-in handling of one event type. Returning false
// skips the built-in handler for that event.
type Hook func(ev *model.StreamEvent) bool

// SessionCreator records sessions the backend reports. from names the
// temporary session a turn was sent from, if any.
type SessionCreator interface {
	Adopt(from, id string, kind model.AgentKind) (model.Session, bool)
}

// Planner receives the planning events of a session.
type Planner interface {
	Init(sessionID string, p model.PlanData) *model.PlanData
	Update(sessionID string, patch model.PlanPatch) (*model.PlanData, error)
	Advance(sessionID, from, to string) (*model.PlanData, error)
}

// Options configures an Engine. All fields are optional.
type Options struct {
	Sessions SessionCreator
	Plans    Planner

	// Terminator closes the active connection. Called after COMPLETED and ERROR.
	Terminator func()

	// Hooks are keyed by event type; EventUnknown selects the default handler.
	Hooks map[model.EventType]Hook

	// SessionKind is the kind recorded for sessions announced by STARTED.
	// Defaults to model.AgentReActPlus.
	SessionKind model.AgentKind

	Logger *slog.Logger
	Now    func() time.Time
}

// Status is the engine's non-transcript state.
type Status struct {
	Connection model.ConnectionStatus
	Task       model.TaskStatus
	Progress   *model.Progress
}

// Snapshot is a copy of the engine's state.
type Snapshot struct {
	Status
	Messages  []model.DisplayMessage
	TaskTitle string
	SessionID string
}

// Turn describes the request that starts a new stream.
type Turn struct {
	// Title is the user's prompt. It titles the notices of the turn.
	Title string
	// SessionID is the session the turn belongs to. Empty for a conversation
	// the backend has not assigned an id yet.
	SessionID string
	// LocalID is the temporary session the turn was sent from. The session
	// announced by STARTED replaces it.
	LocalID string
	// Kind is recorded for a session announced during the turn. Defaults to
	// Options.SessionKind.
	Kind model.AgentKind
}

// Engine folds stream events. Handle must be called from one goroutine at a
// time; every other method is safe for concurrent use.
type Engine struct {
	sessions    SessionCreator
	plans       Planner
	terminator  func()
	hooks       map[model.EventType]Hook
	sessionKind model.AgentKind
	logger      *slog.Logger
	now         func() time.Time

	notices notify.Emitter[model.Notice]
	changes notify.Emitter[Status]

	mu         sync.RWMutex
	entries    map[string]*model.DisplayMessage // entry key -> entry
	order      []string                         // entry keys in display order
	index      map[string]string                // messageId -> entry key
	seen       map[*model.StreamEvent]struct{}
	progress   *model.Progress
	conn       model.ConnectionStatus
	task       model.TaskStatus
	taskTitle  string
	activeSess string
	turnLocal  string
	turnKind   model.AgentKind
}

// New returns an Engine with an empty transcript.
func New(opts Options) *Engine {
	e := &Engine{
		sessions:    opts.Sessions,
		plans:       opts.Plans,
		terminator:  opts.Terminator,
		hooks:       opts.Hooks,
		sessionKind: opts.SessionKind,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if e.sessionKind == "" {
		e.sessionKind = model.AgentReActPlus
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.resetLocked()
	return e
}

func (e *Engine) resetLocked() {
	e.entries = make(map[string]*model.DisplayMessage)
	e.order = nil
	e.index = make(map[string]string)
	e.seen = make(map[*model.StreamEvent]struct{})
	e.progress = nil
	e.conn = model.ConnDisconnected
	e.task = model.TaskIdle
	e.taskTitle = ""
	e.activeSess = ""
	e.turnLocal = ""
	e.turnKind = ""
}

// SetTerminator replaces the function that closes the active connection.
func (e *Engine) SetTerminator(fn func()) {
	e.mu.Lock()
	e.terminator = fn
	e.mu.Unlock()
}

// OnNotice subscribes to completion and error notices.
func (e *Engine) OnNotice(fn func(model.Notice)) (cancel func()) {
	return e.notices.OnEvent(fn)
}

// OnStatus subscribes to status changes.
func (e *Engine) OnStatus(fn func(Status)) (cancel func()) {
	return e.changes.OnEvent(fn)
}

// Reset clears the transcript, progress and statuses.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.resetLocked()
	st := e.statusLocked()
	e.mu.Unlock()
	e.changes.Emit(st)
}

// BeginTurn prepares for a new stream: it records the turn title and session
// and clears progress. The transcript is kept. Events of earlier streams are
// forgotten; a new connection never redelivers them.
func (e *Engine) BeginTurn(t Turn) {
	e.mu.Lock()
	e.taskTitle = t.Title
	e.activeSess = t.SessionID
	e.turnLocal = t.LocalID
	e.turnKind = t.Kind
	e.progress = nil
	clear(e.seen)
	st := e.statusLocked()
	e.mu.Unlock()
	e.changes.Emit(st)
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{
		Status:    e.statusLocked(),
		Messages:  make([]model.DisplayMessage, 0, len(e.order)),
		TaskTitle: e.taskTitle,
		SessionID: e.activeSess,
	}
	for _, key := range e.order {
		s.Messages = append(s.Messages, e.entries[key].Clone())
	}
	return s
}

func (e *Engine) statusLocked() Status {
	st := Status{Connection: e.conn, Task: e.task}
	if e.progress != nil {
		p := *e.progress
		st.Progress = &p
	}
	return st
}

// Opened marks the transport connected and the task running.
func (e *Engine) Opened() {
	e.setStatus(func() {
		e.conn = model.ConnConnected
		e.task = model.TaskRunning
	})
}

// Event folds one event. It satisfies stream.Sink.
func (e *Engine) Event(ev *model.StreamEvent) {
	e.Handle(ev)
}

// Closed records the end of the stream. A transport error fails the task; a
// clean close only disconnects.
func (e *Engine) Closed(err error) {
	e.setStatus(func() {
		if err != nil {
			e.conn = model.ConnError
			e.task = model.TaskError
			return
		}
		e.conn = model.ConnDisconnected
	})
}

func (e *Engine) setStatus(fn func()) {
	e.mu.Lock()
	before := e.statusLocked()
	fn()
	after := e.statusLocked()
	e.mu.Unlock()
	if !sameStatus(before, after) {
		e.changes.Emit(after)
	}
}

func sameStatus(a, b Status) bool {
	if a.Connection != b.Connection || a.Task != b.Task {
		return false
	}
	if (a.Progress == nil) != (b.Progress == nil) {
		return false
	}
	return a.Progress == nil || *a.Progress == *b.Progress
}

// effects are collected under the lock and run after it is released, so
// observers and the terminator may call back into the engine.
type effects struct {
	notice    *model.Notice
	terminate bool
}

// Handle folds ev. Feeding the same event object twice is a no-op.
func (e *Engine) Handle(ev *model.StreamEvent) {
	if ev == nil {
		return
	}
	e.mu.Lock()
	if _, dup := e.seen[ev]; dup {
		e.mu.Unlock()
		e.logger.Debug("aggregate: ignoring replayed event", "type", ev.RawType, "message_id", ev.MessageID)
		return
	}
	e.seen[ev] = struct{}{}
	hook := e.hooks[ev.Type]
	e.mu.Unlock()

	if hook != nil && !hook(ev) {
		return
	}

	e.mu.Lock()
	before := e.statusLocked()
	fx := e.dispatchLocked(ev)
	after := e.statusLocked()
	terminator := e.terminator
	e.mu.Unlock()

	countFolded(ev)
	if fx.notice != nil {
		e.notices.Emit(*fx.notice)
	}
	if !sameStatus(before, after) {
		e.changes.Emit(after)
	}
	if fx.terminate && terminator != nil {
		terminator()
	}
}

// route names the built-in handler of an event type.
type route int

const (
	routeDefault route = iota
	routeGeneric
	routeEntry
	routeAssistant
	routeStarted
	routeProgress
	routeDone
	routeError
	routeCompleted
	routePlan
)

func routeOf(t model.EventType) route {
	switch t {
	case model.EventTool, model.EventToolApproval:
		return routeEntry
	case model.EventThought, model.EventTaskAnalysis:
		return routeAssistant
	case model.EventStarted:
		return routeStarted
	case model.EventProgress:
		return routeProgress
	case model.EventDone, model.EventDoneWithWarning:
		return routeDone
	case model.EventError:
		return routeError
	case model.EventCompleted:
		return routeCompleted
	case model.EventInitPlan, model.EventUpdatePlan, model.EventAdvancePlan:
		return routePlan
	case model.EventThinking, model.EventAction, model.EventActing,
		model.EventObserving, model.EventExecuting, model.EventInteraction:
		return routeGeneric
	default:
		return routeDefault
	}
}

func (e *Engine) dispatchLocked(ev *model.StreamEvent) effects {
	var fx effects
	switch routeOf(ev.Type) {
	case routeEntry:
		e.appendEntryLocked(ev)
	case routeAssistant:
		if ev.MessageID == "" {
			e.logger.Warn("aggregate: assistant event without messageId, using generic accumulation", "type", ev.RawType)
			e.accumulateLocked(ev, model.MessageTypeOf(ev))
			break
		}
		e.accumulateLocked(ev, model.MessageAssistant)
	case routeStarted:
		e.progress = e.progressFrom(ev)
		e.adoptSessionLocked(ev.SessionID)
	case routeProgress:
		e.progress = e.progressFrom(ev)
	case routeDone:
		if ev.Type == model.EventDoneWithWarning {
			e.progress = nil
		}
		fx.notice = e.noticeLocked(ev, ev.Message, model.SeverityWarning)
	case routeError:
		e.accumulateLocked(ev, model.MessageTypeOf(ev))
		e.task = model.TaskError
		e.progress = nil
		e.conn = model.ConnDisconnected
		fx.notice = e.noticeLocked(ev, ErrorNoticePrefix+ev.Message, model.SeverityError)
		fx.terminate = true
	case routeCompleted:
		e.conn = model.ConnDisconnected
		e.task = model.TaskCompleted
		e.progress = nil
		fx.terminate = true
	case routePlan:
		e.applyPlan(ev)
	case routeGeneric, routeDefault:
		e.accumulateLocked(ev, model.MessageTypeOf(ev))
	}
	return fx
}

// appendEntryLocked inserts ev as a new, independent entry.
func (e *Engine) appendEntryLocked(ev *model.StreamEvent) {
	msg := e.newMessage(ev, model.MessageTypeOf(ev))
	if msg.EndTime == nil {
		end := e.now()
		msg.EndTime = &end
	}
	key := "entry:" + uuid.NewString()
	e.entries[key] = msg
	e.order = append(e.order, key)
}

// accumulateLocked appends ev's text to the entry owning its messageId,
// creating the entry on first sight. Events without a messageId cannot be
// placed and are dropped.
func (e *Engine) accumulateLocked(ev *model.StreamEvent, typ model.MessageType) {
	if ev.MessageID == "" {
		e.logger.Warn("aggregate: event without messageId cannot be aggregated, dropping", "type", ev.RawType)
		countDropped("missing_message_id")
		return
	}
	if key, ok := e.index[ev.MessageID]; ok {
		msg := e.entries[key]
		msg.Message += ev.Message
		msg.Events = append(msg.Events, ev)
		if ev.EndTime != nil {
			end := *ev.EndTime
			msg.EndTime = &end
		}
		return
	}

	msg := e.newMessage(ev, typ)
	if msg.EndTime == nil && typ != model.MessageAssistant {
		end := e.now()
		msg.EndTime = &end
	}
	key := "msg:" + ev.MessageID
	e.entries[key] = msg
	e.order = append(e.order, key)
	e.index[ev.MessageID] = key
}

func (e *Engine) newMessage(ev *model.StreamEvent, typ model.MessageType) *model.DisplayMessage {
	sender := ev.AgentID
	if sender == "" {
		sender = model.DefaultSender
	}
	start := ev.StartTime
	if start.IsZero() {
		start = e.now()
	}
	msg := &model.DisplayMessage{
		MessageID: ev.MessageID,
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Type:      typ,
		Sender:    sender,
		Message:   ev.Message,
		Data:      ev.Data,
		StartTime: start,
		Events:    []*model.StreamEvent{ev},
		Meta:      ev.Meta,
	}
	if ev.EndTime != nil {
		end := *ev.EndTime
		msg.EndTime = &end
	}
	return msg
}

func (e *Engine) progressFrom(ev *model.StreamEvent) *model.Progress {
	start := ev.StartTime
	if start.IsZero() {
		start = e.now()
	}
	return &model.Progress{Label: ev.Message, StartTime: start, AgentID: ev.AgentID}
}

func (e *Engine) noticeLocked(ev *model.StreamEvent, text string, sev model.Severity) *model.Notice {
	start := ev.StartTime
	if start.IsZero() {
		start = e.now()
	}
	return &model.Notice{
		Text:      text,
		StartTime: start,
		Title:     e.taskTitle,
		MessageID: ev.MessageID,
		Severity:  sev,
	}
}

// adoptSessionLocked records the session announced by STARTED when the turn
// was started without one. Later STARTED events for the turn are ignored.
func (e *Engine) adoptSessionLocked(sessionID string) {
	if sessionID == "" || e.activeSess != "" {
		return
	}
	e.activeSess = sessionID
	if e.sessions == nil {
		return
	}
	kind := e.turnKind
	if kind == "" {
		kind = e.sessionKind
	}
	if _, created := e.sessions.Adopt(e.turnLocal, sessionID, kind); created {
		e.logger.Debug("aggregate: backend assigned session", "session_id", sessionID)
	}
}

// applyPlan delegates a planning event to the plan table. Events that cannot
// be attributed to a session or carry malformed data are ignored.
func (e *Engine) applyPlan(ev *model.StreamEvent) {
	if e.plans == nil {
		return
	}
	if len(ev.Data) == 0 {
		e.logger.Warn("aggregate: planning event without data", "type", ev.RawType)
		countDropped("missing_plan_data")
		return
	}

	switch ev.Type {
	case model.EventInitPlan:
		var d model.InitPlanData
		if !e.decodePlan(ev, &d) {
			return
		}
		sid := firstNonEmpty(ev.SessionID, d.SessionID)
		if sid == "" || d.Plan == nil {
			e.dropPlan(ev, "incomplete_plan_event")
			return
		}
		e.plans.Init(sid, *d.Plan)
	case model.EventUpdatePlan:
		var d model.UpdatePlanData
		if !e.decodePlan(ev, &d) {
			return
		}
		sid := firstNonEmpty(ev.SessionID, d.SessionID)
		if sid == "" || d.Updates == nil {
			e.dropPlan(ev, "incomplete_plan_event")
			return
		}
		if _, err := e.plans.Update(sid, *d.Updates); err != nil {
			e.logger.Warn("aggregate: update plan", "session_id", sid, "error", err)
		}
	case model.EventAdvancePlan:
		var d model.AdvancePlanData
		if !e.decodePlan(ev, &d) {
			return
		}
		sid := firstNonEmpty(ev.SessionID, d.SessionID)
		if sid == "" {
			e.dropPlan(ev, "incomplete_plan_event")
			return
		}
		if _, err := e.plans.Advance(sid, d.FromPhaseID, d.ToPhaseID); err != nil {
			e.logger.Warn("aggregate: advance plan", "session_id", sid, "error", err)
		}
	}
}

func (e *Engine) decodePlan(ev *model.StreamEvent, dst any) bool {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		e.logger.Warn("aggregate: malformed planning event", "type", ev.RawType, "error", err)
		countDropped("malformed_plan_data")
		return false
	}
	return true
}

func (e *Engine) dropPlan(ev *model.StreamEvent, reason string) {
	e.logger.Warn("aggregate: planning event ignored", "type", ev.RawType, "reason", reason)
	countDropped(reason)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func countFolded(ev *model.StreamEvent) {
	if counter, err := meter.Int64Counter("kaiwa.events.folded_total"); err == nil {
		counter.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("type", ev.RawType)))
	}
}

func countDropped(reason string) {
	if counter, err := meter.Int64Counter("kaiwa.events.dropped_total"); err == nil {
		counter.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}
