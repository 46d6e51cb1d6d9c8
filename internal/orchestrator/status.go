package orchestrator

import (
	"fmt"
	"math"
	"strings"
)

// LiveStatusParams are operator overrides for the formatted status
// report. Nil and empty fields fall back to computed values.
type LiveStatusParams struct {
	OverallPercent  *int
	Phase1Percent   *int
	Phase2Percent   *int
	Phase3Percent   *int
	BackendPercent  *int
	FrontendPercent *int
	QAPercent       *int
	BackendTaskID   string
	FrontendTaskID  string
}

// PipelineHealth summarizes work waiting on the leader.
type PipelineHealth struct {
	ReportedTasks int `json:"reported_tasks"`
	OpenBlockers  int `json:"open_blockers"`
	OpenBugs      int `json:"open_bugs"`
}

// LiveStatusNumbers is the structured half of the live status answer.
type LiveStatusNumbers struct {
	OverallProjectPercent int             `json:"overall_project_percent"`
	Phase1Percent         int             `json:"phase_1_percent"`
	Phase2Percent         int             `json:"phase_2_percent"`
	Phase3Percent         int             `json:"phase_3_percent"`
	BackendTaskID         string          `json:"backend_task_id"`
	BackendPercent        int             `json:"backend_percent"`
	FrontendTaskID        string          `json:"frontend_task_id"`
	FrontendPercent       int             `json:"frontend_percent"`
	QAValidationPercent   int             `json:"qa_validation_percent"`
	PipelineHealth        *PipelineHealth `json:"pipeline_health"`
}

// LiveStatusResult pairs the human-readable report with its numbers.
type LiveStatusResult struct {
	ReportText                string             `json:"report_text"`
	Report                    *LiveStatusNumbers `json:"report"`
	RecommendedCadenceSeconds int                `json:"recommended_cadence_seconds"`
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.RoundToEven(float64(done) / float64(total) * 100))
}

func orDefault(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

// LiveStatusReport renders the broadcast-ready progress summary. The
// percentages are derived from task completion per workstream unless
// the caller overrides them; the focus task for each slice is the
// first unfinished task, or the newest one when everything is done.
func (e *Engine) LiveStatusReport(params LiveStatusParams) (*LiveStatusResult, error) {
	tasks, err := e.ListTasks()
	if err != nil {
		return nil, err
	}
	openBlockers, err := e.ListBlockers(BlockerStatusOpen, "")
	if err != nil {
		return nil, err
	}
	openBugs, err := e.ListBugs(BugStatusOpen, "")
	if err != nil {
		return nil, err
	}

	doneTasks := 0
	reportedTasks := 0
	var backendTasks, frontendTasks []*Task
	for _, task := range tasks {
		switch task.Status {
		case TaskStatusDone:
			doneTasks++
		case TaskStatusReported:
			reportedTasks++
		}
		switch task.Workstream {
		case "backend":
			backendTasks = append(backendTasks, task)
		case "frontend":
			frontendTasks = append(frontendTasks, task)
		}
	}
	overallAuto := percent(doneTasks, len(tasks))

	overall := orDefault(params.OverallPercent, overallAuto)
	phase1 := orDefault(params.Phase1Percent, overall)
	phase2 := orDefault(params.Phase2Percent, 0)
	phase3 := orDefault(params.Phase3Percent, 0)
	backendPercent := orDefault(params.BackendPercent, workstreamPercent(backendTasks))
	frontendPercent := orDefault(params.FrontendPercent, workstreamPercent(frontendTasks))
	qaPercent := orDefault(params.QAPercent, overallAuto)

	backendTaskID := focusTaskID(params.BackendTaskID, backendTasks)
	frontendTaskID := focusTaskID(params.FrontendTaskID, frontendTasks)

	lines := []string{
		"Current live status:",
		"",
		fmt.Sprintf("- Overall project: %d%%", overall),
		fmt.Sprintf("- Phase 1 (Architecture + Vertical Slice): %d%%", phase1),
		fmt.Sprintf("- Phase 2 (Content Pipeline): %d%%", phase2),
		fmt.Sprintf("- Phase 3 (Full Production): %d%%", phase3),
		fmt.Sprintf("- Backend vertical slice (%s): %d%%", backendTaskID, backendPercent),
		fmt.Sprintf("- Frontend vertical slice (%s): %d%%", frontendTaskID, frontendPercent),
		fmt.Sprintf("- QA/validation completion: %d%%", qaPercent),
		"",
		"Pipeline health:",
		"",
		fmt.Sprintf("- Reported tasks: %d", reportedTasks),
		fmt.Sprintf("- Open blockers: %d", len(openBlockers)),
		fmt.Sprintf("- Open bugs: %d", len(openBugs)),
	}

	return &LiveStatusResult{
		ReportText: strings.Join(lines, "\n"),
		Report: &LiveStatusNumbers{
			OverallProjectPercent: overall,
			Phase1Percent:         phase1,
			Phase2Percent:         phase2,
			Phase3Percent:         phase3,
			BackendTaskID:         backendTaskID,
			BackendPercent:        backendPercent,
			FrontendTaskID:        frontendTaskID,
			FrontendPercent:       frontendPercent,
			QAValidationPercent:   qaPercent,
			PipelineHealth: &PipelineHealth{
				ReportedTasks: reportedTasks,
				OpenBlockers:  len(openBlockers),
				OpenBugs:      len(openBugs),
			},
		},
		RecommendedCadenceSeconds: 600,
	}, nil
}

func workstreamPercent(tasks []*Task) int {
	done := 0
	for _, task := range tasks {
		if task.Status == TaskStatusDone {
			done++
		}
	}
	return percent(done, len(tasks))
}

// focusTaskID picks the explicit override, else the first unfinished
// task, else the most recently created one, else "n/a".
func focusTaskID(override string, tasks []*Task) string {
	if override != "" {
		return override
	}
	for _, task := range tasks {
		if task.Status != TaskStatusDone {
			return task.ID
		}
	}
	if len(tasks) > 0 {
		return tasks[len(tasks)-1].ID
	}
	return "n/a"
}
