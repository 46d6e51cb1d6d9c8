package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseBlockerOwnerOnly(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	registerOperational(t, e, "gemini")

	_, err := e.RaiseBlocker(task.ID, "gemini", "which schema?", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match task owner")

	_, err = e.RaiseBlocker("TASK-missing", "claude_code", "?", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task not found")
}

func TestRaiseBlockerRequiresOperationalAgent(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")

	// Replace the owner's identity with an incomplete one. Owner
	// equality alone must not be enough to block the task.
	_, err := e.RegisterAgent("claude_code", map[string]interface{}{"client": "codex-cli"})
	require.NoError(t, err)

	_, err = e.RaiseBlocker(task.ID, "claude_code", "?", nil, "")
	require.Error(t, err)
	assert.Equal(t, "agent_not_operational_or_wrong_project: claude_code", err.Error())

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, tasks[0].Status)
}

func TestRaiseBlockerDefaultsAndBlocksTask(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")

	blocker, err := e.RaiseBlocker(task.ID, "claude_code", "REST or gRPC?", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "medium", blocker.Severity)
	assert.Equal(t, []string{}, blocker.Options)
	assert.Equal(t, BlockerStatusOpen, blocker.Status)

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusBlocked, tasks[0].Status)
	assert.Contains(t, eventTypes(t, e), "blocker.raised")
}

func TestListBlockersFilters(t *testing.T) {
	e := newTestEngine(t)
	taskA := createClaimedTask(t, e, "claude_code")
	taskB := createClaimedTask(t, e, "gemini")

	_, err := e.RaiseBlocker(taskA.ID, "claude_code", "a?", []string{"x", "y"}, "high")
	require.NoError(t, err)
	blockerB, err := e.RaiseBlocker(taskB.ID, "gemini", "b?", nil, "")
	require.NoError(t, err)
	_, err = e.ResolveBlocker(blockerB.ID, "pick x", e.ManagerAgent())
	require.NoError(t, err)

	open, err := e.ListBlockers(BlockerStatusOpen, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "claude_code", open[0].Agent)

	gemini, err := e.ListBlockers("", "gemini")
	require.NoError(t, err)
	require.Len(t, gemini, 1)
	assert.Equal(t, BlockerStatusResolved, gemini[0].Status)
}

func TestResolveBlockerResumesActiveOwner(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	blocker, err := e.RaiseBlocker(task.ID, "claude_code", "?", nil, "")
	require.NoError(t, err)

	resolved, err := e.ResolveBlocker(blocker.ID, "use option A", e.ManagerAgent())
	require.NoError(t, err)
	assert.Equal(t, BlockerStatusResolved, resolved.Status)
	assert.Equal(t, "use option A", resolved.Resolution)
	assert.Equal(t, e.ManagerAgent(), resolved.ResolvedBy)

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, tasks[0].Status)
	assert.Contains(t, eventTypes(t, e), "blocker.resolved")
}

func TestResolveBlockerOfflineOwnerFlagsDegradedComm(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	blocker, err := e.RaiseBlocker(task.ID, "claude_code", "?", nil, "")
	require.NoError(t, err)
	backdateAgent(t, e, "claude_code", time.Hour)

	_, err = e.ResolveBlocker(blocker.ID, "answered", e.ManagerAgent())
	require.NoError(t, err)

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAssigned, tasks[0].Status)
	assert.True(t, tasks[0].DegradedComm)
	assert.Equal(t, "blocker resolved while owner not active", tasks[0].DegradedCommReason)
	assert.Contains(t, eventTypes(t, e), "team_member.degraded_comm")
}

func TestResolveBlockerTwiceEchoesStoredDecision(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	blocker, err := e.RaiseBlocker(task.ID, "claude_code", "?", nil, "")
	require.NoError(t, err)

	_, err = e.ResolveBlocker(blocker.ID, "final answer", e.ManagerAgent())
	require.NoError(t, err)
	again, err := e.ResolveBlocker(blocker.ID, "different answer", e.ManagerAgent())
	require.NoError(t, err)
	assert.Equal(t, "final answer", again.Resolution)

	resolvedEvents := 0
	for _, eventType := range eventTypes(t, e) {
		if eventType == "blocker.resolved" {
			resolvedEvents++
		}
	}
	assert.Equal(t, 1, resolvedEvents)
}

func TestResolveBlockerUnknownID(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ResolveBlocker("BLK-missing", "x", e.ManagerAgent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Blocker not found")
}
