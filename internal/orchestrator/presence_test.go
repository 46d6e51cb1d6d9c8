package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAgentReplacesMetadata(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.RegisterAgent("claude_code", map[string]interface{}{"client": "claude", "model": "opus"})
	require.NoError(t, err)

	entry, err := e.RegisterAgent("claude_code", map[string]interface{}{"client": "claude"})
	require.NoError(t, err)
	assert.Equal(t, "active", entry.Status)
	assert.Equal(t, "claude", entry.Metadata["client"])
	// Wholesale replacement: the old model key is gone.
	_, kept := entry.Metadata["model"]
	assert.False(t, kept)
}

func TestHeartbeatMergesMetadata(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.RegisterAgent("claude_code", map[string]interface{}{"client": "claude", "model": "opus"})
	require.NoError(t, err)

	entry, err := e.Heartbeat("claude_code", map[string]interface{}{"status": "busy"})
	require.NoError(t, err)
	assert.Equal(t, "claude", entry.Metadata["client"])
	assert.Equal(t, "opus", entry.Metadata["model"])
	assert.Equal(t, "busy", entry.Metadata["status"])
}

func TestVerificationMissingFieldsListedInOrder(t *testing.T) {
	e := newTestEngine(t)

	meta := fullIdentity(e.Root())
	delete(meta, "model")
	delete(meta, "session_id")
	delete(meta, "client")
	entry, err := e.RegisterAgent("gemini", meta)
	require.NoError(t, err)

	snapshot := e.identitySnapshot(entry, e.heartbeatTimeoutSeconds())
	assert.False(t, snapshot.Verified)
	// Declaration order of the identity fields, not alphabetical.
	assert.Equal(t, "missing_identity_fields:client,model,session_id", snapshot.Reason)
}

func TestVerificationStaleHeartbeat(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "gemini")
	backdateAgent(t, e, "gemini", time.Hour)

	agents, err := e.readAgents()
	require.NoError(t, err)
	snapshot := e.identitySnapshot(agents["gemini"], e.heartbeatTimeoutSeconds())
	assert.False(t, snapshot.Verified)
	assert.Equal(t, "no_recent_heartbeat", snapshot.Reason)
	assert.True(t, snapshot.SameProject)
}

func TestVerificationProjectMismatch(t *testing.T) {
	e := newTestEngine(t)

	meta := fullIdentity(t.TempDir())
	entry, err := e.RegisterAgent("gemini", meta)
	require.NoError(t, err)

	snapshot := e.identitySnapshot(entry, e.heartbeatTimeoutSeconds())
	assert.False(t, snapshot.Verified)
	assert.Equal(t, "project_mismatch", snapshot.Reason)
	assert.False(t, snapshot.SameProject)
}

func TestVerificationFresh(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "gemini")

	agents, err := e.readAgents()
	require.NoError(t, err)
	snapshot := e.identitySnapshot(agents["gemini"], e.heartbeatTimeoutSeconds())
	assert.True(t, snapshot.Verified)
	assert.Equal(t, "verified_identity", snapshot.Reason)
	assert.True(t, snapshot.SameProject)
}

func TestOperationalIgnoresHeartbeatAge(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "gemini")
	backdateAgent(t, e, "gemini", 24*time.Hour)

	ok, err := e.agentIsOperational("gemini", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOperationalRejectsUnknownIncompleteAndForeign(t *testing.T) {
	e := newTestEngine(t)

	ok, err := e.agentIsOperational("ghost", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	partial := fullIdentity(e.Root())
	delete(partial, "sandbox_mode")
	_, err = e.RegisterAgent("partial", partial)
	require.NoError(t, err)
	ok, err = e.agentIsOperational("partial", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.RegisterAgent("foreign", fullIdentity(t.TempDir()))
	require.NoError(t, err)
	ok, err = e.agentIsOperational("foreign", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	err = e.assertAgentOperational("ghost")
	require.Error(t, err)
	assert.Equal(t, "agent_not_operational_or_wrong_project: ghost", err.Error())
}

func TestListAgentsStatusAndCounts(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")
	registerOperational(t, e, "gemini")
	backdateAgent(t, e, "gemini", time.Hour)

	_, err := e.CreateTask(CreateTaskParams{Title: "one", Workstream: "backend", Owner: "claude_code"})
	require.NoError(t, err)
	_, err = e.CreateTask(CreateTaskParams{Title: "two", Workstream: "backend", Owner: "claude_code"})
	require.NoError(t, err)
	claimed, err := e.ClaimNextTask("claude_code")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	summaries, err := e.ListAgents(ListAgentsOptions{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	// Sorted by agent id.
	assert.Equal(t, "claude_code", summaries[0].Agent)
	assert.Equal(t, "active", summaries[0].Status)
	assert.Equal(t, 1, summaries[0].TaskCounts.Assigned)
	assert.Equal(t, 1, summaries[0].TaskCounts.InProgress)

	assert.Equal(t, "gemini", summaries[1].Agent)
	assert.Equal(t, "offline", summaries[1].Status)
}

func TestListAgentsActiveOnlyExcludesStaleAndForeign(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")
	registerOperational(t, e, "gemini")
	backdateAgent(t, e, "gemini", time.Hour)
	_, err := e.RegisterAgent("foreign", fullIdentity(t.TempDir()))
	require.NoError(t, err)

	summaries, err := e.ListAgents(ListAgentsOptions{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "claude_code", summaries[0].Agent)
}

func TestListAgentsEmitsStaleNoticeOnce(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "gemini")
	backdateAgent(t, e, "gemini", time.Hour)

	threshold := 300
	_, err := e.ListAgents(ListAgentsOptions{StaleAfterSeconds: &threshold, EmitStaleNotices: true})
	require.NoError(t, err)
	// Within the cooldown a second listing stays quiet.
	_, err = e.ListAgents(ListAgentsOptions{StaleAfterSeconds: &threshold, EmitStaleNotices: true})
	require.NoError(t, err)

	notices := 0
	for _, eventType := range eventTypes(t, e) {
		if eventType == "agent.stale_reconnect_required" {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestDiscoverAgentsInfersFromEventsAndTasks(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	_, err := e.CreateTask(CreateTaskParams{Title: "orphan work", Workstream: "backend", Owner: "mystery_owner"})
	require.NoError(t, err)
	_, err = e.bus.Emit("custom.ping", "mystery_source", nil)
	require.NoError(t, err)

	result, err := e.DiscoverAgents(true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RegisteredCount)
	// codex (task.assigned source), mystery_owner, mystery_source.
	assert.Equal(t, 3, result.InferredOnlyCount)
	assert.Len(t, result.Agents, 4)
}

func TestConnectDiagnosticForUnregisteredAgent(t *testing.T) {
	e := newTestEngine(t)

	diag, err := e.connectDiagnostic("ghost", 300)
	require.NoError(t, err)
	assert.False(t, diag.Registered)
	assert.False(t, diag.Active)
	// The unverified-identity reason overwrites the not_registered
	// fallback; an unregistered agent is missing every identity key.
	assert.Equal(t,
		"missing_identity_fields:client,model,cwd,permissions_mode,sandbox_mode,session_id,connection_id,server_version,verification_source",
		diag.Reason)
}

func TestConnectDiagnosticCountsOpenTasks(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")
	_, err := e.CreateTask(CreateTaskParams{Title: "open", Workstream: "backend", Owner: "claude_code"})
	require.NoError(t, err)

	diag, err := e.connectDiagnostic("claude_code", 300)
	require.NoError(t, err)
	assert.True(t, diag.Registered)
	assert.True(t, diag.Active)
	assert.Equal(t, "active", diag.Reason)
	assert.Equal(t, 1, diag.OwnedOpenTasks)
	require.NotNil(t, diag.Identity)
	assert.True(t, diag.Identity.Verified)
}
