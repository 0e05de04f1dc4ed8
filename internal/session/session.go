// Package session tracks the conversations known to the client and which one
// is current.
//
// A conversation started locally has a temporary id until the backend reports
// the real one in its STARTED event; CreateIfNotExists then promotes it.
package session

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// TempPrefix marks ids of sessions not yet known to the backend.
const TempPrefix = "temp-"

// IsTemporary reports whether id was assigned locally.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Promotion is reported when a temporary session takes its backend id.
type Promotion struct {
	From string
	To   string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// OnPromote registers fn to run after a temporary session is promoted, so
// state keyed by the temporary id can be moved.
func OnPromote(fn func(Promotion)) Option {
	return func(r *Registry) { r.onPromote = append(r.onPromote, fn) }
}

// Registry is the session table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	order    []string
	current  string

	now       func() time.Time
	logger    *slog.Logger
	onPromote []func(Promotion)
}

// NewRegistry returns an empty session table.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*model.Session),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewConversation creates a temporary session of the given kind and makes it
// current.
func (r *Registry) NewConversation(kind model.AgentKind) model.Session {
	now := r.now()
	s := &model.Session{
		ID:        TempPrefix + uuid.NewString(),
		Title:     model.DefaultSessionTitle,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
		Temporary: true,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.current = s.ID
	r.mu.Unlock()
	return *s
}

// CreateIfNotExists makes id the current session. If id is unknown and a
// temporary session exists, the first temporary session is promoted to id;
// otherwise a new session is added. Returns the session and whether the table
// changed.
func (r *Registry) CreateIfNotExists(id string, kind model.AgentKind) (model.Session, bool) {
	return r.Adopt("", id, kind)
}

// Adopt is CreateIfNotExists for a turn sent from the temporary session from:
// that session is the one promoted to id. An unknown or non-temporary from
// adds a new session instead; an empty from behaves like CreateIfNotExists.
func (r *Registry) Adopt(from, id string, kind model.AgentKind) (model.Session, bool) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.current = id
		out := *s
		r.mu.Unlock()
		return out, false
	}

	now := r.now()
	var promoted *Promotion
	var s *model.Session
	if from == "" {
		s = r.firstTemporaryLocked()
	} else if t, ok := r.sessions[from]; ok && t.Temporary {
		s = t
	}
	if s != nil {
		promoted = &Promotion{From: s.ID, To: id}
		delete(r.sessions, s.ID)
		for i, oid := range r.order {
			if oid == s.ID {
				r.order[i] = id
				break
			}
		}
		s.ID = id
		s.Kind = kind
		s.Temporary = false
		s.UpdatedAt = now
	} else {
		s = &model.Session{
			ID:        id,
			Title:     model.DefaultSessionTitle,
			Kind:      kind,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.order = append(r.order, id)
	}
	r.sessions[id] = s
	r.current = id
	out := *s
	hooks := r.onPromote
	r.mu.Unlock()

	if promoted != nil {
		r.logger.Debug("session: promoted temporary session", "from", promoted.From, "to", promoted.To)
		for _, fn := range hooks {
			fn(*promoted)
		}
	}
	return out, true
}

func (r *Registry) firstTemporaryLocked() *model.Session {
	for _, id := range r.order {
		if s := r.sessions[id]; s.Temporary {
			return s
		}
	}
	return nil
}

// Switch makes id current. Unknown ids are rejected.
func (r *Registry) Switch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.current = id
	return true
}

// Current returns the current session.
func (r *Registry) Current() (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[r.current]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Touch stamps the session's UpdatedAt.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.UpdatedAt = r.now()
	}
}

// Rename sets the session's title.
func (r *Registry) Rename(id, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Title = title
	s.UpdatedAt = r.now()
	return true
}

// List returns all sessions, most recently updated first.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	out := make([]model.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ByAgent returns the sessions of one kind, most recently updated first.
func (r *Registry) ByAgent(kind model.AgentKind) []model.Session {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// FindOrCreateForAgent switches to the most recent session of kind, creating
// a temporary one when none exists.
func (r *Registry) FindOrCreateForAgent(kind model.AgentKind) model.Session {
	if cur, ok := r.Current(); ok && cur.Kind == kind {
		return cur
	}
	if existing := r.ByAgent(kind); len(existing) > 0 {
		r.Switch(existing[0].ID)
		return existing[0]
	}
	return r.NewConversation(kind)
}
