package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishEventStampsAudience(t *testing.T) {
	e := newTestEngine(t)

	event, err := e.PublishEvent("custom.note", "codex", map[string]interface{}{"k": "v"}, []string{"claude_code"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"claude_code"}, toInterfaceSlice(event.Payload["audience"]))

	broadcast, err := e.PublishEvent("custom.note", "codex", nil, nil)
	require.NoError(t, err)
	_, stamped := broadcast.Payload["audience"]
	assert.False(t, stamped)
}

func toInterfaceSlice(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		return list
	case []string:
		out := make([]interface{}, 0, len(list))
		for _, s := range list {
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func TestAudienceAllows(t *testing.T) {
	assert.True(t, audienceAllows(map[string]interface{}{}, "anyone"))
	assert.True(t, audienceAllows(map[string]interface{}{"audience": []interface{}{}}, "anyone"))
	assert.True(t, audienceAllows(map[string]interface{}{"audience": []interface{}{"a", "b"}}, "b"))
	assert.True(t, audienceAllows(map[string]interface{}{"audience": []interface{}{"*"}}, "anyone"))
	assert.False(t, audienceAllows(map[string]interface{}{"audience": []interface{}{"a"}}, "b"))
}

func TestPollEventsRequiresOperationalAgent(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.PollEvents(context.Background(), PollEventsParams{Agent: "ghost", Limit: 10})
	require.Error(t, err)
	assert.Equal(t, "agent_not_operational_or_wrong_project: ghost", err.Error())
}

func TestPollEventsSkipsOtherAudiencesButAdvances(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	start, err := e.bus.CountEvents()
	require.NoError(t, err)

	_, err = e.PublishEvent("private.note", "codex", nil, []string{"gemini"})
	require.NoError(t, err)
	_, err = e.PublishEvent("shared.note", "codex", nil, []string{"claude_code", "gemini"})
	require.NoError(t, err)
	_, err = e.PublishEvent("broadcast.note", "codex", nil, nil)
	require.NoError(t, err)

	cursor := start
	result, err := e.PollEvents(context.Background(), PollEventsParams{
		Agent:       "claude_code",
		Cursor:      &cursor,
		Limit:       10,
		AutoAdvance: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, "shared.note", result.Events[0].Type)
	assert.Equal(t, "broadcast.note", result.Events[1].Type)
	// The private event was skipped but its index is behind us now.
	assert.Equal(t, start+3, result.NextCursor)

	stored, err := e.GetAgentCursor("claude_code")
	require.NoError(t, err)
	assert.Equal(t, start+3, stored)
}

func TestPollEventsWithoutAutoAdvanceLeavesCursor(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	_, err := e.PublishEvent("one.note", "codex", nil, nil)
	require.NoError(t, err)

	cursor := 0
	result, err := e.PollEvents(context.Background(), PollEventsParams{
		Agent:  "claude_code",
		Cursor: &cursor,
		Limit:  100,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Events)

	stored, err := e.GetAgentCursor("claude_code")
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestPollEventsResumesFromStoredCursor(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	first, err := e.PollEvents(context.Background(), PollEventsParams{
		Agent:       "claude_code",
		Limit:       100,
		AutoAdvance: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.Events)

	_, err = e.PublishEvent("fresh.note", "codex", nil, nil)
	require.NoError(t, err)

	second, err := e.PollEvents(context.Background(), PollEventsParams{
		Agent:       "claude_code",
		Limit:       100,
		AutoAdvance: true,
	})
	require.NoError(t, err)
	types := make([]string, 0, len(second.Events))
	for _, event := range second.Events {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, "fresh.note")
	assert.NotContains(t, types, first.Events[0].Type)
}

func TestPollEventsHonorsLimit(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	for i := 0; i < 5; i++ {
		_, err := e.PublishEvent("tick.note", "codex", nil, nil)
		require.NoError(t, err)
	}

	cursor := 0
	result, err := e.PollEvents(context.Background(), PollEventsParams{
		Agent:  "claude_code",
		Cursor: &cursor,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
	assert.Equal(t, result.Events[1].Offset+1, result.NextCursor)
}

func TestPollEventsCountsAsPresence(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")
	backdateAgent(t, e, "claude_code", 2*time.Hour)

	cursor := 0
	_, err := e.PollEvents(context.Background(), PollEventsParams{Agent: "claude_code", Cursor: &cursor, Limit: 1})
	require.NoError(t, err)

	agents, err := e.readAgents()
	require.NoError(t, err)
	age := ageSeconds(agents["claude_code"].LastSeen, time.Now().UTC())
	require.NotNil(t, age)
	assert.Less(t, *age, 60)
}

func TestAckEventIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	event, err := e.PublishEvent("ackable.note", "codex", nil, nil)
	require.NoError(t, err)

	result, err := e.AckEvent("claude_code", event.EventID)
	require.NoError(t, err)
	assert.True(t, result.Acked)
	_, err = e.AckEvent("claude_code", event.EventID)
	require.NoError(t, err)

	acks, err := e.readAcks()
	require.NoError(t, err)
	assert.Equal(t, []string{event.EventID}, acks["claude_code"])
}

func TestGetAgentCursorDefaultsToZero(t *testing.T) {
	e := newTestEngine(t)

	cursor, err := e.GetAgentCursor("never_polled")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}
