package orchestrator

import "fmt"

// ValidateTask is the leader's accept/reject decision on a reported
// task. Acceptance closes the task and any bugs opened against it;
// rejection reopens the task as bug_open with a fresh bug capturing
// the failure notes.
func (e *Engine) ValidateTask(taskID string, passed bool, notes, source string) (*ValidationResult, error) {
	manager := e.ManagerAgent()
	if source != manager {
		return nil, fmt.Errorf("leader_mismatch: source=%s, current_leader=%s", source, manager)
	}

	result, eventType, err := e.validateTaskLocked(taskID, passed, notes)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit(eventType, source, validationPayload(result)); err != nil {
		return nil, err
	}
	return result, nil
}

func validationPayload(result *ValidationResult) map[string]interface{} {
	payload := map[string]interface{}{
		"task_id": result.TaskID,
		"owner":   result.Owner,
		"notes":   result.Notes,
	}
	if result.BugID != "" {
		payload["bug_id"] = result.BugID
	}
	return payload
}

func (e *Engine) validateTaskLocked(taskID string, passed bool, notes string) (*ValidationResult, string, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, "", err
	}
	var task *Task
	for _, t := range tasks {
		if t.ID == taskID {
			task = t
			break
		}
	}
	if task == nil {
		return nil, "", fmt.Errorf("Task not found: %s", taskID)
	}

	result := &ValidationResult{TaskID: taskID, Owner: task.Owner, Notes: notes}
	eventType := "validation.passed"
	if passed {
		task.Status = TaskStatusDone
		if err := e.closeBugsForTask(taskID, notes); err != nil {
			return nil, "", err
		}
	} else {
		task.Status = TaskStatusBugOpen
		bug, err := e.openBug(taskID, task.Owner, "high", notes, "Task meets acceptance criteria", "Validation failed")
		if err != nil {
			return nil, "", err
		}
		result.BugID = bug.ID
		eventType = "validation.failed"
	}

	task.UpdatedAt = nowISO()
	if err := e.writeTasks(tasks); err != nil {
		return nil, "", err
	}
	return result, eventType, nil
}

// ListBugs filters bugs by status and owner. Empty filters match all.
func (e *Engine) ListBugs(status, owner string) ([]*Bug, error) {
	bugs, err := e.readBugs()
	if err != nil {
		return nil, err
	}
	filtered := []*Bug{}
	for _, bug := range bugs {
		if status != "" && bug.Status != status {
			continue
		}
		if owner != "" && bug.Owner != owner {
			continue
		}
		filtered = append(filtered, bug)
	}
	return filtered, nil
}

// openBug appends a bug document. Caller must hold the state lock.
func (e *Engine) openBug(sourceTask, owner, severity, reproSteps, expected, actual string) (*Bug, error) {
	bugs, err := e.readBugs()
	if err != nil {
		return nil, err
	}
	bug := &Bug{
		ID:         newBugID(),
		SourceTask: sourceTask,
		Owner:      owner,
		Severity:   severity,
		ReproSteps: reproSteps,
		Expected:   expected,
		Actual:     actual,
		Status:     BugStatusOpen,
		CreatedAt:  nowISO(),
	}
	bugs = append(bugs, bug)
	if err := e.writeBugs(bugs); err != nil {
		return nil, err
	}
	return bug, nil
}

// closeBugsForTask closes every open bug attributed to the task.
// Caller must hold the state lock.
func (e *Engine) closeBugsForTask(taskID, note string) error {
	bugs, err := e.readBugs()
	if err != nil {
		return err
	}
	changed := false
	for _, bug := range bugs {
		if bug.SourceTask != taskID || bug.Status == BugStatusClosed {
			continue
		}
		bug.Status = BugStatusClosed
		bug.ClosedAt = nowISO()
		bug.ResolutionNote = note
		changed = true
		if _, err := e.bus.Emit("bug.closed", e.ManagerAgent(), map[string]interface{}{
			"bug_id":      bug.ID,
			"source_task": taskID,
			"note":        note,
		}); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	return e.writeBugs(bugs)
}
