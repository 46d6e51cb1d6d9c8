package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReport(taskID, agent string) map[string]interface{} {
	return map[string]interface{}{
		"task_id":    taskID,
		"agent":      agent,
		"commit_sha": "abc1234",
		"test_summary": map[string]interface{}{
			"command": "go test ./...",
			"passed":  12,
			"failed":  0,
		},
		"status": "done",
		"notes":  "all green",
	}
}

// createClaimedTask registers the owner and walks a task to
// in_progress.
func createClaimedTask(t *testing.T, e *Engine, owner string) *Task {
	t.Helper()
	registerOperational(t, e, owner)
	_, err := e.CreateTask(CreateTaskParams{Title: "work for " + owner, Workstream: "backend", Owner: owner})
	require.NoError(t, err)
	claimed, err := e.ClaimNextTask(owner)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestIngestReportMissingFieldsSorted(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.IngestReport(map[string]interface{}{"task_id": "TASK-1"})
	require.Error(t, err)
	assert.Equal(t, "Missing report fields: agent, commit_sha, status, test_summary", err.Error())
}

func TestIngestReportValidatesPayloadShape(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")

	report := validReport(task.ID, "claude_code")
	report["commit_sha"] = "   "
	_, err := e.IngestReport(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit_sha must be a non-empty string")

	report = validReport(task.ID, "claude_code")
	report["test_summary"] = "go test"
	_, err = e.IngestReport(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_summary must be an object")

	report = validReport(task.ID, "claude_code")
	delete(report["test_summary"].(map[string]interface{}), "failed")
	_, err = e.IngestReport(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_summary missing required field: failed")

	report = validReport(task.ID, "claude_code")
	report["test_summary"].(map[string]interface{})["passed"] = -1
	_, err = e.IngestReport(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_summary.passed must be a non-negative integer")

	report = validReport(task.ID, "claude_code")
	report["test_summary"].(map[string]interface{})["failed"] = 1.5
	_, err = e.IngestReport(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_summary.failed must be a non-negative integer")
}

func TestIngestReportRequiresOperationalAgent(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.IngestReport(validReport("TASK-1", "ghost"))
	require.Error(t, err)
	assert.Equal(t, "agent_not_operational_or_wrong_project: ghost", err.Error())
}

func TestIngestReportRejectsWrongOwner(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	registerOperational(t, e, "gemini")

	_, err := e.IngestReport(validReport(task.ID, "gemini"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match task owner")
}

func TestIngestReportArchivesAndFlipsStatus(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")

	echoed, err := e.IngestReport(validReport(task.ID, "claude_code"))
	require.NoError(t, err)
	assert.Equal(t, task.ID, echoed["task_id"])

	stored, err := e.bus.ReadReport(task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "abc1234", stored["commit_sha"])

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReported, tasks[0].Status)
	assert.Contains(t, eventTypes(t, e), "task.reported")
}

func TestEnqueueReportRetryReplacesPendingEntry(t *testing.T) {
	e := newTestEngine(t)

	report := validReport("TASK-1", "claude_code")
	first, err := e.EnqueueReportRetry(report, "boom")
	require.NoError(t, err)
	assert.Equal(t, RetryStatusPending, first.Status)
	assert.Equal(t, "boom", first.LastError)

	second, err := e.EnqueueReportRetry(report, "still broken")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "still broken", second.LastError)

	queue, err := e.readRetryQueue()
	require.NoError(t, err)
	assert.Len(t, queue, 1)
	assert.Contains(t, eventTypes(t, e), "report.retry_queued")
}

func TestRetryBackoffDoublesUpToCeiling(t *testing.T) {
	assert.Equal(t, 15, retryBackoffSeconds(1, 15, 300))
	assert.Equal(t, 30, retryBackoffSeconds(2, 15, 300))
	assert.Equal(t, 60, retryBackoffSeconds(3, 15, 300))
	assert.Equal(t, 120, retryBackoffSeconds(4, 15, 300))
	assert.Equal(t, 240, retryBackoffSeconds(5, 15, 300))
	assert.Equal(t, 300, retryBackoffSeconds(6, 15, 300))
	assert.Equal(t, 300, retryBackoffSeconds(20, 15, 300))
	// Degenerate base is floored at one second.
	assert.Equal(t, 1, retryBackoffSeconds(1, 0, 300))
}

func TestProcessRetryQueueSubmitsWhenIngestionSucceeds(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")

	_, err := e.EnqueueReportRetry(validReport(task.ID, "claude_code"), "transient failure")
	require.NoError(t, err)

	summary, err := e.ProcessReportRetryQueue(DefaultRetryQueueOptions())
	require.NoError(t, err)
	require.Len(t, summary.Processed, 1)
	assert.Equal(t, RetryStatusSubmitted, summary.Processed[0].Status)
	assert.Equal(t, 1, summary.Submitted)
	assert.Zero(t, summary.Pending)

	tasks, err := e.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReported, tasks[0].Status)
	assert.Contains(t, eventTypes(t, e), "report.retry_submitted")
}

func TestProcessRetryQueueSchedulesBackoffOnFailure(t *testing.T) {
	e := newTestEngine(t)

	// Report for a task that does not exist keeps failing ingestion.
	_, err := e.EnqueueReportRetry(validReport("TASK-missing", "ghost"), "boom")
	require.NoError(t, err)

	summary, err := e.ProcessReportRetryQueue(DefaultRetryQueueOptions())
	require.NoError(t, err)
	require.Len(t, summary.Processed, 1)
	outcome := summary.Processed[0]
	assert.Equal(t, RetryStatusRetrying, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.NotEmpty(t, outcome.Error)

	queue, err := e.readRetryQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, RetryStatusPending, queue[0].Status)
	assert.Equal(t, 1, queue[0].Attempts)

	next, err := time.Parse(time.RFC3339Nano, queue[0].NextRetryAt)
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().UTC().Add(10*time.Second)))
	assert.Contains(t, eventTypes(t, e), "report.retry_retrying")

	// Not due yet, so a second drain leaves it untouched.
	summary, err = e.ProcessReportRetryQueue(DefaultRetryQueueOptions())
	require.NoError(t, err)
	assert.Empty(t, summary.Processed)
	assert.Equal(t, 1, summary.Pending)
}

func TestProcessRetryQueueTerminalFailure(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.EnqueueReportRetry(validReport("TASK-missing", "ghost"), "boom")
	require.NoError(t, err)

	opts := DefaultRetryQueueOptions()
	opts.MaxAttempts = 1
	summary, err := e.ProcessReportRetryQueue(opts)
	require.NoError(t, err)
	require.Len(t, summary.Processed, 1)
	assert.Equal(t, RetryStatusFailed, summary.Processed[0].Status)
	assert.Equal(t, 1, summary.Failed)

	queue, err := e.readRetryQueue()
	require.NoError(t, err)
	assert.Equal(t, RetryStatusFailed, queue[0].Status)
	assert.Contains(t, eventTypes(t, e), "report.retry_failed")
}
