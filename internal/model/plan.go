package model

import "time"

// PhaseStatus is the execution state of one plan phase.
type PhaseStatus string

const (
	PhaseTodo      PhaseStatus = "TODO"
	PhaseRunning   PhaseStatus = "RUNNING"
	PhaseCompleted PhaseStatus = "COMPLETED"
	PhasePaused    PhaseStatus = "PAUSED"
	PhaseFailed    PhaseStatus = "FAILED"
)

// PlanStatus is the overall state of a plan.
type PlanStatus string

const (
	PlanPlanning  PlanStatus = "PLANNING"
	PlanExecuting PlanStatus = "EXECUTING"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanPaused    PlanStatus = "PAUSED"
	PlanFailed    PlanStatus = "FAILED"
)

// PlanPhase is a discrete, orderable stage of an execution plan.
// Index is always the phase's position at the time the phase set was written.
type PlanPhase struct {
	ID          string      `json:"id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	IsParallel  bool        `json:"isParallel"`
	Status      PhaseStatus `json:"status,omitempty"`
	Index       int         `json:"index"`
}

// PlanData is the execution plan of one session.
type PlanData struct {
	Goal           string      `json:"goal"`
	Phases         []PlanPhase `json:"phases"`
	CurrentPhaseID string      `json:"currentPhaseId,omitempty"`
	Status         PlanStatus  `json:"status,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of p.
func (p *PlanData) Clone() *PlanData {
	if p == nil {
		return nil
	}
	c := *p
	c.Phases = append([]PlanPhase(nil), p.Phases...)
	return &c
}

// Phase returns the phase with the given id.
func (p *PlanData) Phase(id string) (PlanPhase, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return ph, true
		}
	}
	return PlanPhase{}, false
}

// PlanPatch is a partial PlanData. Nil fields are left untouched when the
// patch is merged; a non-nil Phases replaces the whole phase set.
type PlanPatch struct {
	Goal           *string      `json:"goal,omitempty"`
	Phases         *[]PlanPhase `json:"phases,omitempty"`
	CurrentPhaseID *string      `json:"currentPhaseId,omitempty"`
	Status         *PlanStatus  `json:"status,omitempty"`
	CreatedAt      *time.Time   `json:"createdAt,omitempty"`
}

// PhasePatch is a partial PlanPhase used to edit a single phase in place.
type PhasePatch struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	IsParallel  *bool        `json:"isParallel,omitempty"`
	Status      *PhaseStatus `json:"status,omitempty"`
}
