package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

const (
	cycleRequeueStaleAfterSeconds = 1800
	cycleReconnectTimeoutSeconds  = 5
	cycleReconnectPollSeconds     = 2
)

type taskContract struct {
	TaskID             string   `json:"task_id"`
	Owner              string   `json:"owner"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// ManagerCycle runs one supervision pass: drain the report retry
// queue, validate reported tasks against their report evidence,
// re-handshake stale owners that still hold open work, reassign and
// requeue what stayed stale, then republish the contract digest so
// agents converge on the same pending set.
func (e *Engine) ManagerCycle(ctx context.Context, strict bool) (*CycleResult, error) {
	manager := e.ManagerAgent()

	retryQueue, err := e.ProcessReportRetryQueue(DefaultRetryQueueOptions())
	if err != nil {
		return nil, err
	}

	processed, err := e.validateReportedTasks(strict, manager)
	if err != nil {
		return nil, err
	}

	reconnect, err := e.reconnectStaleOwners(ctx, manager)
	if err != nil {
		return nil, err
	}

	reassigned, err := e.ReassignStaleTasks(manager, nil, true)
	if err != nil {
		return nil, err
	}

	staleRequeues, err := e.RequeueStaleInProgressTasks(cycleRequeueStaleAfterSeconds)
	if err != nil {
		return nil, err
	}

	latestTasks, err := e.ListTasks()
	if err != nil {
		return nil, err
	}
	openBlockers, err := e.ListBlockers(BlockerStatusOpen, "")
	if err != nil {
		return nil, err
	}

	byOwner := map[string]*OwnerRollup{}
	pendingTotal := 0
	for _, task := range latestTasks {
		owner := task.Owner
		if owner == "" {
			owner = "unknown"
		}
		bucket := byOwner[owner]
		if bucket == nil {
			bucket = &OwnerRollup{}
			byOwner[owner] = bucket
		}
		if openTaskStatuses[task.Status] {
			bucket.Pending++
			pendingTotal++
		}
		if task.Status == TaskStatusDone {
			bucket.Done++
		}
	}

	// Republish a compact task contract digest each cycle to reduce
	// context drift across agents.
	contracts := []*taskContract{}
	for _, task := range latestTasks {
		if !openTaskStatuses[task.Status] {
			continue
		}
		criteria := task.AcceptanceCriteria
		if criteria == nil {
			criteria = []string{}
		}
		contracts = append(contracts, &taskContract{
			TaskID:             task.ID,
			Owner:              task.Owner,
			Title:              task.Title,
			Status:             task.Status,
			AcceptanceCriteria: criteria,
		})
	}
	if _, err := e.PublishEvent("manager.task_contracts", e.ManagerAgent(), map[string]interface{}{
		"contracts": contracts,
	}, nil); err != nil {
		return nil, err
	}

	return &CycleResult{
		ProcessedReports: processed,
		StaleRequeues:    staleRequeues,
		RemainingByOwner: byOwner,
		PendingTotal:     pendingTotal,
		OpenBlockers:     openBlockers,
		RetryQueue:       retryQueue,
		Reconnect:        reconnect,
		Reassigned:       reassigned,
	}, nil
}

func (e *Engine) validateReportedTasks(strict bool, manager string) ([]*CycleValidation, error) {
	tasks, err := e.ListTasks()
	if err != nil {
		return nil, err
	}

	processed := []*CycleValidation{}
	for _, task := range tasks {
		if task.Status != TaskStatusReported {
			continue
		}

		report, err := e.bus.ReadReport(task.ID)
		if err != nil {
			return nil, err
		}
		if report == nil {
			result, err := e.ValidateTask(task.ID, false, "Missing report file", manager)
			if err != nil {
				return nil, err
			}
			processed = append(processed, &CycleValidation{TaskID: task.ID, Passed: false, Result: result})
			continue
		}

		summary, _ := report["test_summary"].(map[string]interface{})
		failedTests := 1
		if n, ok := nonNegativeInt(summary["failed"]); ok {
			failedTests = n
		}
		hasCommand := strings.TrimSpace(stringField(summary, "command")) != ""
		reportStatus := TaskStatusBlocked
		if _, ok := report["status"]; ok {
			reportStatus = stringField(report, "status")
		}

		passed := reportStatus == TaskStatusDone && failedTests == 0
		if strict {
			passed = passed && stringField(report, "commit_sha") != "" && hasCommand
		}

		var notes string
		if passed {
			commit := "unknown"
			if _, ok := report["commit_sha"]; ok {
				commit = stringField(report, "commit_sha")
			}
			notes = fmt.Sprintf("Auto manager cycle accepted report %s", commit)
		} else {
			notes = fmt.Sprintf("Auto manager cycle rejected report status=%s, failed_tests=%d, has_command=%t", reportStatus, failedTests, hasCommand)
		}

		result, err := e.ValidateTask(task.ID, passed, notes, manager)
		if err != nil {
			return nil, err
		}
		processed = append(processed, &CycleValidation{TaskID: task.ID, Passed: passed, Result: result})
	}
	return processed, nil
}

// reconnectStaleOwners runs the activation handshake for owners of
// open work that stopped looking alive. Returns nil when every such
// owner is still active.
func (e *Engine) reconnectStaleOwners(ctx context.Context, manager string) (*TeamConnectResult, error) {
	tasks, err := e.ListTasks()
	if err != nil {
		return nil, err
	}
	timeout := e.heartbeatTimeoutSeconds()

	seen := map[string]bool{}
	var stale []string
	for _, task := range tasks {
		if task.Status != TaskStatusInProgress && task.Status != TaskStatusBlocked {
			continue
		}
		owner := task.Owner
		if owner == "" || owner == manager || seen[owner] {
			continue
		}
		seen[owner] = true
		diag, err := e.connectDiagnostic(owner, timeout)
		if err != nil {
			return nil, err
		}
		if !diag.Active {
			stale = append(stale, owner)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	return e.ConnectTeamMembers(ctx, manager, stale, cycleReconnectTimeoutSeconds, cycleReconnectPollSeconds, nil)
}
