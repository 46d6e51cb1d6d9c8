package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var collapseSpace = regexp.MustCompile(`\s+`)

// taskFingerprint normalizes owner/workstream/title into the identity
// used for open-task deduplication.
func taskFingerprint(title, workstream, owner string) string {
	normTitle := collapseSpace.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), " ")
	return strings.ToLower(strings.TrimSpace(owner)) + "::" + strings.ToLower(strings.TrimSpace(workstream)) + "::" + normTitle
}

func findDuplicateOpenTask(tasks []*Task, title, workstream, owner string) *Task {
	candidate := taskFingerprint(title, workstream, owner)
	for _, task := range tasks {
		if !openTaskStatuses[task.Status] {
			continue
		}
		if taskFingerprint(task.Title, task.Workstream, task.Owner) == candidate {
			return task
		}
	}
	return nil
}

// CreateTaskParams describes a new delegated unit of work. Owner is
// optional; empty routes through policy by workstream.
type CreateTaskParams struct {
	Title              string
	Workstream         string
	Description        string
	Owner              string
	AcceptanceCriteria []string
}

// commandDoc is the per-task command contract written for the owner.
type commandDoc struct {
	TaskID             string   `json:"task_id"`
	Owner              string   `json:"owner"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Workstream         string   `json:"workstream"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RequiredReport     []string `json:"required_report"`
}

// CreateTask appends a new assigned task, writes its command document,
// and announces the assignment. When an equivalent open task already
// exists for the same owner and workstream, the existing task is
// echoed back instead and nothing is written.
func (e *Engine) CreateTask(params CreateTaskParams) (*CreateTaskResult, error) {
	acceptance := params.AcceptanceCriteria
	if acceptance == nil {
		acceptance = []string{}
	}
	resolvedOwner := params.Owner
	if resolvedOwner == "" {
		resolvedOwner = e.policy.TaskOwnerFor(params.Workstream)
	}

	task, echo, err := e.createTaskLocked(params, resolvedOwner, acceptance)
	if err != nil {
		return nil, err
	}
	if echo != nil {
		return echo, nil
	}

	if _, err := e.bus.WriteCommand(task.ID, &commandDoc{
		TaskID:             task.ID,
		Owner:              resolvedOwner,
		Title:              params.Title,
		Description:        params.Description,
		Workstream:         params.Workstream,
		AcceptanceCriteria: acceptance,
		RequiredReport:     []string{"task_id", "agent", "commit_sha", "test_summary", "status", "notes"},
	}); err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("task.assigned", e.ManagerAgent(), map[string]interface{}{
		"task_id":    task.ID,
		"owner":      resolvedOwner,
		"workstream": params.Workstream,
	}); err != nil {
		return nil, err
	}
	return &CreateTaskResult{Task: task}, nil
}

func (e *Engine) createTaskLocked(params CreateTaskParams, owner string, acceptance []string) (*Task, *CreateTaskResult, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, nil, err
	}
	if duplicate := findDuplicateOpenTask(tasks, params.Title, params.Workstream, owner); duplicate != nil {
		echoed := *duplicate
		return nil, &CreateTaskResult{
			Task:         &echoed,
			Deduplicated: true,
			DedupeReason: "matching open task already exists",
		}, nil
	}

	task := &Task{
		ID:                 newTaskID(),
		Title:              params.Title,
		Description:        params.Description,
		Workstream:         params.Workstream,
		Owner:              owner,
		Status:             TaskStatusAssigned,
		AcceptanceCriteria: acceptance,
		CreatedAt:          nowISO(),
		UpdatedAt:          nowISO(),
	}
	tasks = append(tasks, task)
	if err := e.writeTasks(tasks); err != nil {
		return nil, nil, err
	}
	return task, nil, nil
}

// DedupeOpenTasks closes newer open duplicates, keeping the oldest
// task of each fingerprint group as canonical.
func (e *Engine) DedupeOpenTasks(source string) (*DedupeResult, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}

	groups := map[string][]*Task{}
	var order []string
	for _, task := range tasks {
		if !openTaskStatuses[task.Status] {
			continue
		}
		key := taskFingerprint(task.Title, task.Workstream, task.Owner)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], task)
	}

	changed := false
	deduped := []*DedupeEntry{}
	for _, key := range order {
		group := groups[key]
		if len(group) <= 1 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].CreatedAt < group[j].CreatedAt })
		keeper := group[0]
		for _, dup := range group[1:] {
			dup.Status = TaskStatusDuplicateClosed
			dup.DuplicateOf = keeper.ID
			dup.UpdatedAt = nowISO()
			changed = true
			entry := &DedupeEntry{TaskID: dup.ID, DuplicateOf: keeper.ID}
			deduped = append(deduped, entry)
			if _, err := e.bus.Emit("task.duplicate_closed", source, map[string]interface{}{
				"task_id":      entry.TaskID,
				"duplicate_of": entry.DuplicateOf,
			}); err != nil {
				return nil, err
			}
		}
	}

	if changed {
		if err := e.writeTasks(tasks); err != nil {
			return nil, err
		}
	}
	return &DedupeResult{DedupedCount: len(deduped), Deduped: deduped}, nil
}

// ListTasks returns every task in creation order.
func (e *Engine) ListTasks() ([]*Task, error) {
	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

// ListTasksForOwner filters tasks by owner and optionally by status.
func (e *Engine) ListTasksForOwner(owner, status string) ([]*Task, error) {
	tasks, err := e.ListTasks()
	if err != nil {
		return nil, err
	}
	filtered := []*Task{}
	for _, task := range tasks {
		if task.Owner != owner {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		filtered = append(filtered, task)
	}
	return filtered, nil
}

// ClaimNextTask transitions the owner's next runnable task to
// in_progress. A leader-set claim override wins when it still points
// at a runnable task owned by the claimant; otherwise it is cleared
// and normal list order applies. Returns nil when nothing is
// claimable.
func (e *Engine) ClaimNextTask(owner string) (*Task, error) {
	if err := e.assertAgentOperational(owner); err != nil {
		return nil, err
	}

	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A claim attempt counts as proof of life.
	if err := e.refreshAgentPresenceUnlocked(owner); err != nil {
		return nil, err
	}
	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	overrides, err := e.readStringMap(docClaimOverrides)
	if err != nil {
		return nil, err
	}

	if overrideID := strings.TrimSpace(overrides[owner]); overrideID != "" {
		var forced *Task
		for _, task := range tasks {
			if task.ID == overrideID && task.Owner == owner {
				forced = task
				break
			}
		}
		if forced != nil && (forced.Status == TaskStatusAssigned || forced.Status == TaskStatusBugOpen) {
			forced.Status = TaskStatusInProgress
			forced.UpdatedAt = nowISO()
			if err := e.writeTasks(tasks); err != nil {
				return nil, err
			}
			delete(overrides, owner)
			if err := e.store.Put(docClaimOverrides, overrides); err != nil {
				return nil, err
			}
			if _, err := e.bus.Emit("task.claimed", owner, map[string]interface{}{
				"task_id": forced.ID,
				"owner":   owner,
				"via":     "manager_override",
			}); err != nil {
				return nil, err
			}
			return forced, nil
		}
		// Override no longer valid; clear it and fall back to list order.
		delete(overrides, owner)
		if err := e.store.Put(docClaimOverrides, overrides); err != nil {
			return nil, err
		}
	}

	for _, task := range tasks {
		if task.Owner != owner {
			continue
		}
		if task.Status != TaskStatusAssigned && task.Status != TaskStatusBugOpen {
			continue
		}
		task.Status = TaskStatusInProgress
		task.UpdatedAt = nowISO()
		if err := e.writeTasks(tasks); err != nil {
			return nil, err
		}
		if _, err := e.bus.Emit("task.claimed", owner, map[string]interface{}{
			"task_id": task.ID,
			"owner":   owner,
		}); err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

// SetClaimOverride pins an agent's next claim to a specific task.
// Leader only; the task must already belong to the agent.
func (e *Engine) SetClaimOverride(agent, taskID, source string) (*ClaimOverrideResult, error) {
	manager := e.ManagerAgent()
	if source != manager {
		return nil, fmt.Errorf("leader_mismatch: source=%s, current_leader=%s", source, manager)
	}

	if err := e.setClaimOverrideLocked(agent, taskID); err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("manager.claim_override", source, map[string]interface{}{
		"agent":   agent,
		"task_id": taskID,
	}); err != nil {
		return nil, err
	}
	return &ClaimOverrideResult{OK: true, Agent: agent, TaskID: taskID}, nil
}

func (e *Engine) setClaimOverrideLocked(agent, taskID string) error {
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
		return fmt.Errorf("Task owner '%s' does not match target agent '%s'", task.Owner, agent)
	}

	overrides, err := e.readStringMap(docClaimOverrides)
	if err != nil {
		return err
	}
	overrides[agent] = taskID
	return e.store.Put(docClaimOverrides, overrides)
}

// SetTaskStatus is the free-form lifecycle transition for owners and
// the leader. Completion states are refused here; those must flow
// through report ingestion so validation sees commit and test
// evidence.
func (e *Engine) SetTaskStatus(taskID, status, source, note string) (*Task, error) {
	manager := e.ManagerAgent()
	if source != manager {
		if err := e.assertAgentOperational(source); err != nil {
			return nil, err
		}
	}
	normalized := strings.ToLower(strings.TrimSpace(status))
	if (normalized == TaskStatusDone || normalized == TaskStatusReported) && source != manager {
		return nil, fmt.Errorf("Use orchestrator_submit_report for completion/report transitions")
	}

	task, err := e.setTaskStatusLocked(taskID, status, source, manager)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("task.status_changed", source, map[string]interface{}{
		"task_id": taskID,
		"status":  status,
		"owner":   task.Owner,
		"note":    note,
	}); err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) setTaskStatusLocked(taskID, status, source, manager string) (*Task, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	var task *Task
	for _, t := range tasks {
		if t.ID == taskID {
			task = t
			break
		}
	}
	if task == nil {
		return nil, fmt.Errorf("Task not found: %s", taskID)
	}
	if source != task.Owner && source != manager {
		return nil, fmt.Errorf("unauthorized_status_update: source=%s, task_owner=%s, current_leader=%s", source, task.Owner, manager)
	}

	task.Status = status
	task.UpdatedAt = nowISO()
	if err := e.writeTasks(tasks); err != nil {
		return nil, err
	}
	return task, nil
}

// RequeueStaleInProgressTasks flips in_progress tasks back to assigned
// when their owner's heartbeat is older than the threshold, so the
// same owner (or a reassignment pass) can pick them up again.
func (e *Engine) RequeueStaleInProgressTasks(staleAfterSeconds int) ([]*RequeueRecord, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	agents, err := e.readAgents()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	requeued := []*RequeueRecord{}
	changed := false
	for _, task := range tasks {
		if task.Status != TaskStatusInProgress {
			continue
		}
		entry := agents[task.Owner]
		if entry == nil || entry.LastSeen == "" {
			continue
		}
		age := ageSeconds(entry.LastSeen, now)
		if age == nil || *age <= staleAfterSeconds {
			continue
		}

		task.Status = TaskStatusAssigned
		task.UpdatedAt = nowISO()
		changed = true
		record := &RequeueRecord{
			TaskID: task.ID,
			Owner:  task.Owner,
			Reason: fmt.Sprintf("owner heartbeat stale (%ds > %ds)", *age, staleAfterSeconds),
		}
		requeued = append(requeued, record)
		if _, err := e.bus.Emit("task.requeued", "orchestrator", map[string]interface{}{
			"task_id": record.TaskID,
			"owner":   record.Owner,
			"reason":  record.Reason,
		}); err != nil {
			return nil, err
		}
	}

	if changed {
		if err := e.writeTasks(tasks); err != nil {
			return nil, err
		}
	}
	return requeued, nil
}

// ReassignStaleTasks moves in_progress (and optionally blocked) tasks
// off owners that no longer look alive, onto the least-loaded active
// agent, preferring the policy route for the workstream. Reported
// tasks are left alone so validation runs first.
func (e *Engine) ReassignStaleTasks(source string, staleAfterSeconds *int, includeBlocked bool) (*ReassignResult, error) {
	threshold := e.staleAfterOrDefault(staleAfterSeconds)

	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	activeAgents, err := e.ListAgents(ListAgentsOptions{ActiveOnly: true, StaleAfterSeconds: &threshold})
	if err != nil {
		return nil, err
	}
	activeNames := make([]string, 0, len(activeAgents))
	for _, agent := range activeAgents {
		activeNames = append(activeNames, agent.Agent)
	}

	eligible := map[TaskStatus]bool{TaskStatusInProgress: true}
	if includeBlocked {
		eligible[TaskStatusBlocked] = true
	}

	now := time.Now().UTC()
	reassigned := []*Reassignment{}
	changed := false
	for _, task := range tasks {
		if !eligible[task.Status] {
			continue
		}
		owner := task.Owner
		if owner == "" {
			continue
		}

		ownerDiag, err := e.connectDiagnostic(owner, threshold)
		if err != nil {
			return nil, err
		}
		if ownerDiag.Active {
			continue
		}

		newOwner := e.pickReassignmentOwner(task, activeNames, tasks)
		if newOwner == "" {
			continue
		}

		task.Owner = newOwner
		task.Status = TaskStatusAssigned
		task.UpdatedAt = nowISO()
		task.ReassignedFrom = owner
		task.ReassignedReason = fmt.Sprintf("owner stale (> %ds)", threshold)
		task.DegradedComm = true
		task.DegradedCommReason = "stale owner auto-reassigned"
		changed = true

		record := &Reassignment{
			TaskID:           task.ID,
			FromOwner:        owner,
			ToOwner:          newOwner,
			Reason:           "owner_stale",
			ThresholdSeconds: threshold,
			OwnerDiagnostic:  ownerDiag,
		}
		reassigned = append(reassigned, record)
		if _, err := e.bus.Emit("task.reassigned_stale", source, map[string]interface{}{
			"task_id":           record.TaskID,
			"from_owner":        record.FromOwner,
			"to_owner":          record.ToOwner,
			"reason":            record.Reason,
			"threshold_seconds": record.ThresholdSeconds,
			"owner_diagnostic":  record.OwnerDiagnostic,
		}); err != nil {
			return nil, err
		}
	}

	if changed {
		if err := e.writeTasks(tasks); err != nil {
			return nil, err
		}
	}
	return &ReassignResult{
		ReassignedCount:  len(reassigned),
		ThresholdSeconds: threshold,
		Reassigned:       reassigned,
		ActiveAgents:     activeNames,
		Timestamp:        now.Format(time.RFC3339Nano),
	}, nil
}

// pickReassignmentOwner chooses the policy-preferred active agent for
// the workstream, falling back to the least-loaded active candidate.
// Returns "" when no other active agent exists.
func (e *Engine) pickReassignmentOwner(task *Task, activeNames []string, tasks []*Task) string {
	candidates := make([]string, 0, len(activeNames))
	for _, name := range activeNames {
		if name != "" && name != task.Owner {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	preferred := e.policy.TaskOwnerFor(task.Workstream)
	for _, candidate := range candidates {
		if candidate == preferred {
			return preferred
		}
	}

	load := func(agent string) int {
		count := 0
		for _, t := range tasks {
			if t.Owner == agent && openTaskStatuses[t.Status] {
				count++
			}
		}
		return count
	}
	best := candidates[0]
	bestLoad := load(best)
	for _, candidate := range candidates[1:] {
		if l := load(candidate); l < bestLoad {
			best = candidate
			bestLoad = l
		}
	}
	return best
}
