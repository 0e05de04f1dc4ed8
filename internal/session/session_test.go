package session_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/session"
)

func tickingClock() func() time.Time {
	t := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestNewConversationIsTemporaryAndCurrent(t *testing.T) {
	r := session.NewRegistry(session.WithClock(tickingClock()))
	s := r.NewConversation(model.AgentReActPlus)

	assert.True(t, strings.HasPrefix(s.ID, session.TempPrefix))
	assert.True(t, session.IsTemporary(s.ID))
	assert.True(t, s.Temporary)
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, s.ID, cur.ID)
}

func TestCreateIfNotExistsPromotesTemporarySession(t *testing.T) {
	var promotions []session.Promotion
	r := session.NewRegistry(
		session.WithClock(tickingClock()),
		session.OnPromote(func(p session.Promotion) { promotions = append(promotions, p) }),
	)
	tmp := r.NewConversation(model.AgentReActPlus)

	s, changed := r.CreateIfNotExists("S", model.AgentReActPlus)
	assert.True(t, changed)
	assert.Equal(t, "S", s.ID)
	assert.False(t, s.Temporary)
	assert.Equal(t, tmp.CreatedAt, s.CreatedAt)

	_, ok := r.Get(tmp.ID)
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
	require.Len(t, promotions, 1)
	assert.Equal(t, session.Promotion{From: tmp.ID, To: "S"}, promotions[0])

	cur, _ := r.Current()
	assert.Equal(t, "S", cur.ID)
}

func TestCreateIfNotExistsIsIdempotent(t *testing.T) {
	r := session.NewRegistry(session.WithClock(tickingClock()))

	_, changed := r.CreateIfNotExists("S", model.AgentReActPlus)
	assert.True(t, changed)
	_, changed = r.CreateIfNotExists("S", model.AgentReActPlus)
	assert.False(t, changed)
	assert.Len(t, r.List(), 1)
}

func TestAdoptPromotesTheTurnsOwnSession(t *testing.T) {
	var promotions []session.Promotion
	r := session.NewRegistry(
		session.WithClock(tickingClock()),
		session.OnPromote(func(p session.Promotion) { promotions = append(promotions, p) }),
	)
	first := r.NewConversation(model.AgentReActPlus)
	second := r.NewConversation(model.AgentReAct)

	s, changed := r.Adopt(second.ID, "S", model.AgentReAct)
	assert.True(t, changed)
	assert.Equal(t, "S", s.ID)
	assert.Equal(t, second.CreatedAt, s.CreatedAt)

	still, ok := r.Get(first.ID)
	require.True(t, ok, "the other temporary session is untouched")
	assert.True(t, still.Temporary)
	_, ok = r.Get(second.ID)
	assert.False(t, ok)
	assert.Equal(t, []session.Promotion{{From: second.ID, To: "S"}}, promotions)

	// A from that is not a temporary session adds a new one.
	_, changed = r.Adopt("S", "T", model.AgentReAct)
	assert.True(t, changed)
	assert.Len(t, r.List(), 3)
	assert.Len(t, promotions, 1)
}

func TestListOrdersByRecency(t *testing.T) {
	r := session.NewRegistry(session.WithClock(tickingClock()))
	r.CreateIfNotExists("a", model.AgentReAct)
	r.CreateIfNotExists("b", model.AgentReActPlus)
	r.CreateIfNotExists("c", model.AgentReAct)
	r.Touch("a")

	ids := func(ss []model.Session) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids(r.List()))
	assert.Equal(t, []string{"a", "c"}, ids(r.ByAgent(model.AgentReAct)))
}

func TestFindOrCreateForAgent(t *testing.T) {
	r := session.NewRegistry(session.WithClock(tickingClock()))
	r.CreateIfNotExists("react", model.AgentReAct)
	r.CreateIfNotExists("plus", model.AgentReActPlus)

	s := r.FindOrCreateForAgent(model.AgentReAct)
	assert.Equal(t, "react", s.ID)
	cur, _ := r.Current()
	assert.Equal(t, "react", cur.ID)

	coding := r.FindOrCreateForAgent(model.AgentCoding)
	assert.True(t, coding.Temporary)
	assert.Equal(t, model.AgentCoding, coding.Kind)
}

func TestSwitchAndRename(t *testing.T) {
	r := session.NewRegistry()
	assert.False(t, r.Switch("nope"))
	r.CreateIfNotExists("a", model.AgentReAct)
	r.CreateIfNotExists("b", model.AgentReAct)
	assert.True(t, r.Switch("a"))
	assert.True(t, r.Rename("a", "Research"))
	cur, _ := r.Current()
	assert.Equal(t, "Research", cur.Title)
	assert.False(t, r.Rename("zzz", "x"))
}
