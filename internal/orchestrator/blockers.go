package orchestrator

import "fmt"

// RaiseBlocker marks the task blocked and files a structured question
// against it. Only the operational task owner may raise; severity
// defaults to medium and options to an empty list.
func (e *Engine) RaiseBlocker(taskID, agent, question string, options []string, severity string) (*Blocker, error) {
	if options == nil {
		options = []string{}
	}
	if severity == "" {
		severity = "medium"
	}

	if err := e.assertAgentOperational(agent); err != nil {
		return nil, err
	}
	if err := e.blockTaskLocked(taskID, agent); err != nil {
		return nil, err
	}

	blocker := &Blocker{
		ID:        newBlockerID(),
		TaskID:    taskID,
		Agent:     agent,
		Question:  question,
		Options:   options,
		Severity:  severity,
		Status:    BlockerStatusOpen,
		CreatedAt: nowISO(),
	}
	if err := e.appendBlockerLocked(blocker); err != nil {
		return nil, err
	}

	if _, err := e.bus.Emit("blocker.raised", agent, map[string]interface{}{
		"blocker_id": blocker.ID,
		"task_id":    taskID,
		"agent":      agent,
		"severity":   severity,
		"question":   question,
	}); err != nil {
		return nil, err
	}
	return blocker, nil
}

func (e *Engine) blockTaskLocked(taskID, agent string) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return err
	}
	var task *Task
	for _, t := range tasks {
		if t.ID == taskID {
			task = t
			break
		}
	}
	if task == nil {
		return fmt.Errorf("Task not found: %s", taskID)
	}
	if task.Owner != agent {
		return fmt.Errorf("Blocker agent '%s' does not match task owner '%s'", agent, task.Owner)
	}

	task.Status = TaskStatusBlocked
	task.UpdatedAt = nowISO()
	return e.writeTasks(tasks)
}

func (e *Engine) appendBlockerLocked(blocker *Blocker) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	blockers, err := e.readBlockers()
	if err != nil {
		return err
	}
	blockers = append(blockers, blocker)
	return e.writeBlockers(blockers)
}

// ListBlockers filters blockers by status and agent. Empty filters
// match all.
func (e *Engine) ListBlockers(status, agent string) ([]*Blocker, error) {
	blockers, err := e.readBlockers()
	if err != nil {
		return nil, err
	}
	filtered := []*Blocker{}
	for _, blocker := range blockers {
		if status != "" && blocker.Status != status {
			continue
		}
		if agent != "" && blocker.Agent != agent {
			continue
		}
		filtered = append(filtered, blocker)
	}
	return filtered, nil
}

// ResolveBlocker records the decision and unblocks the task. The task
// resumes in_progress only when its owner still looks alive; an
// offline owner sends it back to assigned and flags degraded comms so
// reassignment can pick it up. Resolving twice is a no-op that echoes
// the stored blocker.
func (e *Engine) ResolveBlocker(blockerID, resolution, source string) (*Blocker, error) {
	blocker, already, err := e.resolveBlockerLocked(blockerID, resolution, source)
	if err != nil {
		return nil, err
	}
	if already {
		return blocker, nil
	}

	if _, err := e.bus.Emit("blocker.resolved", source, map[string]interface{}{
		"blocker_id": blockerID,
		"task_id":    blocker.TaskID,
		"resolution": resolution,
	}); err != nil {
		return nil, err
	}
	return blocker, nil
}

func (e *Engine) resolveBlockerLocked(blockerID, resolution, source string) (*Blocker, bool, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	blockers, err := e.readBlockers()
	if err != nil {
		return nil, false, err
	}
	var blocker *Blocker
	for _, b := range blockers {
		if b.ID == blockerID {
			blocker = b
			break
		}
	}
	if blocker == nil {
		return nil, false, fmt.Errorf("Blocker not found: %s", blockerID)
	}
	if blocker.Status == BlockerStatusResolved {
		return blocker, true, nil
	}

	blocker.Status = BlockerStatusResolved
	blocker.Resolution = resolution
	blocker.ResolvedBy = source
	blocker.ResolvedAt = nowISO()
	if err := e.writeBlockers(blockers); err != nil {
		return nil, false, err
	}

	tasks, err := e.readTasks()
	if err != nil {
		return nil, false, err
	}
	var task *Task
	for _, t := range tasks {
		if t.ID == blocker.TaskID {
			task = t
			break
		}
	}
	if task != nil && task.Status == TaskStatusBlocked {
		ownerDiag, err := e.connectDiagnostic(task.Owner, e.heartbeatTimeoutSeconds())
		if err != nil {
			return nil, false, err
		}
		if ownerDiag.Active {
			task.Status = TaskStatusInProgress
		} else {
			// Avoid a false "owner is progressing" signal when the owner
			// appears offline.
			task.Status = TaskStatusAssigned
			task.DegradedComm = true
			task.DegradedCommReason = "blocker resolved while owner not active"
			if _, err := e.bus.Emit("team_member.degraded_comm", "orchestrator", map[string]interface{}{
				"task_id":    task.ID,
				"owner":      task.Owner,
				"reason":     "blocker resolved while owner offline/stale",
				"diagnostic": ownerDiag,
			}); err != nil {
				return nil, false, err
			}
		}
		task.UpdatedAt = nowISO()
		if err := e.writeTasks(tasks); err != nil {
			return nil, false, err
		}
	}
	return blocker, false, nil
}
