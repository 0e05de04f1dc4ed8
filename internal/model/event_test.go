package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	for _, typ := range EventTypes {
		got, ok := ParseEventType(string(typ))
		assert.True(t, ok, typ)
		assert.Equal(t, typ, got)
	}

	got, ok := ParseEventType("DONEWITHWARNING")
	assert.True(t, ok)
	assert.Equal(t, EventDoneWithWarning, got)

	got, ok = ParseEventType("AGENT_SELECTED")
	assert.False(t, ok)
	assert.Equal(t, EventUnknown, got)
}

func TestStreamEventDecodesTimestamps(t *testing.T) {
	var ev StreamEvent
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "THINKING",
		"agentId": "react-plus",
		"messageId": "m1",
		"message": "hi",
		"startTime": 1767225600000,
		"endTime": "2026-01-01T00:00:05Z"
	}`), &ev))

	assert.Equal(t, EventThinking, ev.Type)
	assert.True(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Equal(ev.StartTime))
	require.NotNil(t, ev.EndTime)
	assert.True(t, time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC).Equal(*ev.EndTime))

	var open StreamEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"TOOL","startTime":null,"endTime":null}`), &open))
	assert.Nil(t, open.EndTime)
	assert.True(t, open.StartTime.IsZero())
}

func TestStreamEventKeepsUnknownType(t *testing.T) {
	var ev StreamEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"AGENT_SELECTED","messageId":"x"}`), &ev))
	assert.Equal(t, EventUnknown, ev.Type)
	assert.Equal(t, "AGENT_SELECTED", ev.RawType)
	assert.Equal(t, MessageType("AGENT_SELECTED"), MessageTypeOf(&ev))

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"AGENT_SELECTED"`)

	alias := StreamEvent{RawType: "DONEWITHWARNING", Type: EventDoneWithWarning}
	b, err = json.Marshal(alias)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"DONE_WITH_WARNING"`)
}
