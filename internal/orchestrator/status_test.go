package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveStatusReportEmptyProject(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.LiveStatusReport(LiveStatusParams{})
	require.NoError(t, err)
	assert.Zero(t, result.Report.OverallProjectPercent)
	assert.Equal(t, "n/a", result.Report.BackendTaskID)
	assert.Equal(t, "n/a", result.Report.FrontendTaskID)
	assert.Equal(t, 600, result.RecommendedCadenceSeconds)
	assert.Contains(t, result.ReportText, "Current live status:")
	assert.Contains(t, result.ReportText, "- Overall project: 0%")
}

func TestLiveStatusReportDerivesPercentages(t *testing.T) {
	e := newTestEngine(t)
	registerOperational(t, e, "claude_code")

	doneTask, err := e.CreateTask(CreateTaskParams{Title: "done backend", Workstream: "backend", Owner: "claude_code"})
	require.NoError(t, err)
	_, err = e.SetTaskStatus(doneTask.ID, TaskStatusDone, e.ManagerAgent(), "")
	require.NoError(t, err)
	openTask, err := e.CreateTask(CreateTaskParams{Title: "open backend", Workstream: "backend", Owner: "claude_code"})
	require.NoError(t, err)

	result, err := e.LiveStatusReport(LiveStatusParams{})
	require.NoError(t, err)
	assert.Equal(t, 50, result.Report.OverallProjectPercent)
	assert.Equal(t, 50, result.Report.BackendPercent)
	// Focus lands on the first unfinished backend task.
	assert.Equal(t, openTask.ID, result.Report.BackendTaskID)
	assert.Equal(t, 50, result.Report.Phase1Percent)
	assert.Zero(t, result.Report.Phase2Percent)
}

func TestLiveStatusReportHonorsOverrides(t *testing.T) {
	e := newTestEngine(t)

	overall := 80
	backend := 65
	result, err := e.LiveStatusReport(LiveStatusParams{
		OverallPercent: &overall,
		BackendPercent: &backend,
		BackendTaskID:  "TASK-chosen",
	})
	require.NoError(t, err)
	assert.Equal(t, 80, result.Report.OverallProjectPercent)
	assert.Equal(t, 80, result.Report.Phase1Percent)
	assert.Equal(t, 65, result.Report.BackendPercent)
	assert.Equal(t, "TASK-chosen", result.Report.BackendTaskID)
	assert.Contains(t, result.ReportText, "- Overall project: 80%")
	assert.Contains(t, result.ReportText, "(TASK-chosen): 65%")
}

func TestLiveStatusReportPipelineHealth(t *testing.T) {
	e := newTestEngine(t)
	task := createClaimedTask(t, e, "claude_code")
	blockedTask := createClaimedTask(t, e, "gemini")

	_, err := e.IngestReport(validReport(task.ID, "claude_code"))
	require.NoError(t, err)
	_, err = e.RaiseBlocker(blockedTask.ID, "gemini", "?", nil, "")
	require.NoError(t, err)
	failTask := createClaimedTask(t, e, "qwen")
	_, err = e.ValidateTask(failTask.ID, false, "broken", e.ManagerAgent())
	require.NoError(t, err)

	result, err := e.LiveStatusReport(LiveStatusParams{})
	require.NoError(t, err)
	health := result.Report.PipelineHealth
	require.NotNil(t, health)
	assert.Equal(t, 1, health.ReportedTasks)
	assert.Equal(t, 1, health.OpenBlockers)
	assert.Equal(t, 1, health.OpenBugs)
	assert.Contains(t, result.ReportText, "- Reported tasks: 1")
	assert.Contains(t, result.ReportText, "- Open blockers: 1")
	assert.Contains(t, result.ReportText, "- Open bugs: 1")
}

func TestFocusTaskIDFallsBackToNewest(t *testing.T) {
	tasks := []*Task{
		{ID: "TASK-1", Status: TaskStatusDone},
		{ID: "TASK-2", Status: TaskStatusDone},
	}
	assert.Equal(t, "TASK-2", focusTaskID("", tasks))
	assert.Equal(t, "TASK-9", focusTaskID("TASK-9", tasks))
	assert.Equal(t, "n/a", focusTaskID("", nil))
}

func TestPercentRounding(t *testing.T) {
	assert.Equal(t, 0, percent(1, 0))
	assert.Equal(t, 50, percent(1, 2))
	assert.Equal(t, 33, percent(1, 3))
	assert.Equal(t, 100, percent(3, 3))
}
