package bus

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	b := newTestBus(t)

	event, err := b.Emit("task.assigned", "codex", map[string]interface{}{"task_id": "TASK-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(event.EventID, "EVT-"))
	assert.Len(t, event.EventID, len("EVT-")+10)
	assert.Equal(t, "task.assigned", event.Type)
	assert.Equal(t, "codex", event.Source)
	_, err = time.Parse(time.RFC3339Nano, event.Timestamp)
	assert.NoError(t, err)
}

func TestEventsPreserveAppendOrder(t *testing.T) {
	b := newTestBus(t)

	for _, eventType := range []string{"a.one", "b.two", "c.three"} {
		_, err := b.Emit(eventType, "codex", nil)
		require.NoError(t, err)
	}

	events, err := b.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a.one", events[0].Type)
	assert.Equal(t, "b.two", events[1].Type)
	assert.Equal(t, "c.three", events[2].Type)
}

func TestEventsFromSkipsMalformedLinesButKeepsIndexes(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Emit("first.event", "codex", nil)
	require.NoError(t, err)

	// Damage the middle of the log by hand. Readers must skip the bad
	// and blank lines while both indexes still count.
	f, err := os.OpenFile(b.EventsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt line\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = b.Emit("last.event", "codex", nil)
	require.NoError(t, err)

	indexed, err := b.EventsFrom(0)
	require.NoError(t, err)
	require.Len(t, indexed, 2)
	assert.Equal(t, 0, indexed[0].Index)
	assert.Equal(t, "first.event", indexed[0].Event.Type)
	assert.Equal(t, 3, indexed[1].Index)
	assert.Equal(t, "last.event", indexed[1].Event.Type)

	count, err := b.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestEventsFromStart(t *testing.T) {
	b := newTestBus(t)
	for i := 0; i < 4; i++ {
		_, err := b.Emit("tick", "codex", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	indexed, err := b.EventsFrom(2)
	require.NoError(t, err)
	require.Len(t, indexed, 2)
	assert.Equal(t, 2, indexed[0].Index)
	assert.Equal(t, 3, indexed[1].Index)
}

func TestWaitForEventIndexReturnsImmediatelyWhenSatisfied(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Emit("ready", "codex", nil)
	require.NoError(t, err)

	start := time.Now()
	err = b.WaitForEventIndex(context.Background(), 0, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForEventIndexTimesOut(t *testing.T) {
	b := newTestBus(t)

	start := time.Now()
	err := b.WaitForEventIndex(context.Background(), 0, 200*time.Millisecond)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForEventIndexWakesOnAppend(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.WaitForEventIndex(context.Background(), 0, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := b.Emit("wake.up", "codex", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake on append")
	}
}

func TestWaitForEventIndexHonorsContext(t *testing.T) {
	b := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := b.WaitForEventIndex(ctx, 0, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCommandAndReportDocuments(t *testing.T) {
	b := newTestBus(t)

	path, err := b.WriteCommand("TASK-1", map[string]interface{}{"task_id": "TASK-1", "owner": "claude_code"})
	require.NoError(t, err)
	assert.Equal(t, b.CommandPath("TASK-1"), path)

	report, err := b.ReadReport("TASK-1")
	require.NoError(t, err)
	assert.Nil(t, report)

	_, err = b.WriteReport("TASK-1", map[string]interface{}{"task_id": "TASK-1", "status": "done"})
	require.NoError(t, err)

	report, err = b.ReadReport("TASK-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "done", report["status"])
}

func TestAppendAuditDefaultsTimestamp(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.AppendAudit(AuditRecord{Tool: "orchestrator_status", Status: "ok"}))

	rows, err := b.ReadAudit(0, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].Timestamp)
}

func TestReadAuditFilters(t *testing.T) {
	b := newTestBus(t)

	records := []AuditRecord{
		{Tool: "orchestrator_status", Status: "ok"},
		{Tool: "orchestrator_create_task", Status: "ok"},
		{Tool: "orchestrator_create_task", Status: "error", Error: "boom"},
	}
	for _, rec := range records {
		require.NoError(t, b.AppendAudit(rec))
	}

	rows, err := b.ReadAudit(0, "orchestrator_create_task", "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = b.ReadAudit(0, "", "error")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "boom", rows[0].Error)

	rows, err = b.ReadAudit(0, "orchestrator_status", "error")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReadAuditKeepsLastMatches(t *testing.T) {
	b := newTestBus(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.AppendAudit(AuditRecord{
			Tool:       "orchestrator_poll_events",
			Status:     "ok",
			DurationMS: int64(i),
		}))
	}

	rows, err := b.ReadAudit(2, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].DurationMS)
	assert.Equal(t, int64(4), rows[1].DurationMS)
}
