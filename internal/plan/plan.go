// Package plan holds the execution plan of each session and the state
// machine that drives it.
//
// Plans are keyed by session id and live in a Registry owned by the caller.
// Every mutation stamps UpdatedAt; reads return deep copies.
package plan

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// ErrNoPlan is returned by operations on a session that has no plan.
var ErrNoPlan = errors.New("plan: no plan for session")

// Toucher is notified when a session's plan changes.
type Toucher interface {
	Touch(sessionID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithToucher notifies t of every plan mutation.
func WithToucher(t Toucher) Option {
	return func(r *Registry) { r.toucher = t }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithIDGenerator replaces the phase id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// Registry is the plan table. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*model.PlanData

	now     func() time.Time
	newID   func() string
	toucher Toucher
	logger  *slog.Logger
}

// NewRegistry returns an empty plan table.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		plans:  make(map[string]*model.PlanData),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a deep copy of the session's plan.
func (r *Registry) Get(sessionID string) (*model.PlanData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[sessionID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Init replaces the session's plan with p after normalizing it: every phase
// gets an id, its positional index and a status; the plan gets a status and
// timestamps. Any previous plan is discarded.
func (r *Registry) Init(sessionID string, p model.PlanData) *model.PlanData {
	now := r.now()
	next := p.Clone()
	next.Phases = r.normalizePhases(p.Phases)
	if next.Status == "" {
		next.Status = model.PlanPlanning
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	r.mu.Lock()
	r.plans[sessionID] = next
	r.mu.Unlock()

	r.touch(sessionID)
	return next.Clone()
}

// Update shallow-merges patch into the session's plan. A phases override is
// normalized exactly as in Init, so indices match the new positions.
// Updating a session without a plan is a no-op and returns ErrNoPlan.
func (r *Registry) Update(sessionID string, patch model.PlanPatch) (*model.PlanData, error) {
	return r.mutate(sessionID, func(p *model.PlanData) bool {
		r.apply(p, patch)
		return true
	})
}

// Advance marks phase from COMPLETED and phase to RUNNING, points the plan at
// to and sets it EXECUTING. Phases whose ids match neither are unchanged.
// Ids that match no phase are tolerated; the plan still moves to EXECUTING.
func (r *Registry) Advance(sessionID, from, to string) (*model.PlanData, error) {
	return r.mutate(sessionID, func(p *model.PlanData) bool {
		phases := make([]model.PlanPhase, len(p.Phases))
		for i, ph := range p.Phases {
			switch ph.ID {
			case from:
				ph.Status = model.PhaseCompleted
			case to:
				ph.Status = model.PhaseRunning
			}
			phases[i] = ph
		}
		status := model.PlanExecuting
		r.apply(p, model.PlanPatch{
			Phases:         &phases,
			CurrentPhaseID: &to,
			Status:         &status,
		})
		return true
	})
}

// UpdatePhase edits one phase in place. An unknown phase id leaves the plan
// untouched.
func (r *Registry) UpdatePhase(sessionID, phaseID string, patch model.PhasePatch) (*model.PlanData, error) {
	return r.mutate(sessionID, func(p *model.PlanData) bool {
		for i := range p.Phases {
			ph := &p.Phases[i]
			if ph.ID != phaseID {
				continue
			}
			if patch.Title != nil {
				ph.Title = *patch.Title
			}
			if patch.Description != nil {
				ph.Description = *patch.Description
			}
			if patch.IsParallel != nil {
				ph.IsParallel = *patch.IsParallel
			}
			if patch.Status != nil {
				ph.Status = *patch.Status
			}
			return true
		}
		r.logger.Debug("plan: phase not found", "session_id", sessionID, "phase_id", phaseID)
		return false
	})
}

// mutate applies fn to a copy of the session's plan and stores the copy when
// fn reports a change.
func (r *Registry) mutate(sessionID string, fn func(*model.PlanData) bool) (*model.PlanData, error) {
	r.mu.Lock()
	cur, ok := r.plans[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoPlan
	}
	next := cur.Clone()
	if !fn(next) {
		r.mu.Unlock()
		return cur.Clone(), nil
	}
	next.UpdatedAt = r.now()
	r.plans[sessionID] = next
	out := next.Clone()
	r.mu.Unlock()

	r.touch(sessionID)
	return out, nil
}

// Clear drops the session's plan.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	_, ok := r.plans[sessionID]
	delete(r.plans, sessionID)
	r.mu.Unlock()
	if ok {
		r.touch(sessionID)
	}
}

// Move rekeys the plan of from to to, replacing any plan to already had.
// It reports whether from had a plan.
func (r *Registry) Move(from, to string) bool {
	if from == to {
		return false
	}
	r.mu.Lock()
	p, ok := r.plans[from]
	if ok {
		delete(r.plans, from)
		r.plans[to] = p
	}
	r.mu.Unlock()
	if ok {
		r.touch(to)
	}
	return ok
}

// apply merges the present fields of patch into p.
func (r *Registry) apply(p *model.PlanData, patch model.PlanPatch) {
	if patch.Goal != nil {
		p.Goal = *patch.Goal
	}
	if patch.Phases != nil {
		p.Phases = r.normalizePhases(*patch.Phases)
	}
	if patch.CurrentPhaseID != nil {
		p.CurrentPhaseID = *patch.CurrentPhaseID
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.CreatedAt != nil {
		p.CreatedAt = *patch.CreatedAt
	}
}

func (r *Registry) normalizePhases(in []model.PlanPhase) []model.PlanPhase {
	out := make([]model.PlanPhase, len(in))
	for i, ph := range in {
		if ph.ID == "" {
			ph.ID = r.newID()
		}
		if ph.Status == "" {
			ph.Status = model.PhaseTodo
		}
		ph.Index = i
		out[i] = ph
	}
	return out
}

func (r *Registry) touch(sessionID string) {
	if r.toucher != nil {
		r.toucher.Touch(sessionID)
	}
}
