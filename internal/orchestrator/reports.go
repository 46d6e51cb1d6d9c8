package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var requiredReportFields = []string{"task_id", "agent", "commit_sha", "test_summary", "status"}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func nonNegativeInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n >= 0
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), n >= 0
	default:
		return 0, false
	}
}

func validateReportPayload(report map[string]interface{}) error {
	sha, ok := report["commit_sha"].(string)
	if !ok || strings.TrimSpace(sha) == "" {
		return fmt.Errorf("commit_sha must be a non-empty string")
	}

	summary, ok := report["test_summary"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("test_summary must be an object")
	}
	for _, key := range []string{"command", "passed", "failed"} {
		if _, present := summary[key]; !present {
			return fmt.Errorf("test_summary missing required field: %s", key)
		}
	}
	command, ok := summary["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return fmt.Errorf("test_summary.command must be a non-empty string")
	}
	if _, ok := nonNegativeInt(summary["passed"]); !ok {
		return fmt.Errorf("test_summary.passed must be a non-negative integer")
	}
	if _, ok := nonNegativeInt(summary["failed"]); !ok {
		return fmt.Errorf("test_summary.failed must be a non-negative integer")
	}
	return nil
}

// IngestReport records a completion report for a task owned by the
// reporting agent and moves the task to reported. The report document
// is archived on the bus before the status flips so validation always
// has evidence to read.
func (e *Engine) IngestReport(report map[string]interface{}) (map[string]interface{}, error) {
	var missing []string
	for _, field := range requiredReportFields {
		if _, ok := report[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("Missing report fields: %s", strings.Join(missing, ", "))
	}
	if err := validateReportPayload(report); err != nil {
		return nil, err
	}
	agent := stringField(report, "agent")
	if err := e.assertAgentOperational(agent); err != nil {
		return nil, err
	}

	taskID := stringField(report, "task_id")
	if err := e.ingestReportLocked(taskID, agent, report); err != nil {
		return nil, err
	}

	if _, err := e.bus.Emit("task.reported", agent, map[string]interface{}{
		"task_id": report["task_id"],
		"agent":   report["agent"],
		"status":  report["status"],
	}); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) ingestReportLocked(taskID, agent string, report map[string]interface{}) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.refreshAgentPresenceUnlocked(agent); err != nil {
		return err
	}
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
		return fmt.Errorf("Report agent '%s' does not match task owner '%s'", agent, task.Owner)
	}

	if _, err := e.bus.WriteReport(taskID, report); err != nil {
		return err
	}
	task.Status = TaskStatusReported
	task.UpdatedAt = nowISO()
	return e.writeTasks(tasks)
}

// EnqueueReportRetry stores a report whose ingestion failed so the
// manager cycle can resubmit it later. One pending entry exists per
// task/agent pair; a newer failure replaces the stored report.
func (e *Engine) EnqueueReportRetry(report map[string]interface{}, errMsg string) (*RetryEntry, error) {
	entry, err := e.enqueueReportRetryLocked(report, errMsg)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("report.retry_queued", "orchestrator", map[string]interface{}{
		"queue_id": entry.ID,
		"task_id":  report["task_id"],
		"agent":    report["agent"],
		"error":    errMsg,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) enqueueReportRetryLocked(report map[string]interface{}, errMsg string) (*RetryEntry, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	queue, err := e.readRetryQueue()
	if err != nil {
		return nil, err
	}
	now := nowISO()
	taskID := stringField(report, "task_id")
	agent := stringField(report, "agent")

	var entry *RetryEntry
	for _, item := range queue {
		if item.Status != RetryStatusPending {
			continue
		}
		if stringField(item.Report, "task_id") == taskID && stringField(item.Report, "agent") == agent {
			entry = item
			break
		}
	}
	if entry != nil {
		entry.Report = report
		entry.LastError = errMsg
		entry.UpdatedAt = now
	} else {
		entry = &RetryEntry{
			ID:          newRetryID(),
			Status:      RetryStatusPending,
			Report:      report,
			Attempts:    0,
			LastError:   errMsg,
			CreatedAt:   now,
			UpdatedAt:   now,
			NextRetryAt: now,
		}
		queue = append(queue, entry)
	}
	if err := e.writeRetryQueue(queue); err != nil {
		return nil, err
	}
	return entry, nil
}

// RetryQueueOptions bound one drain of the report retry queue.
type RetryQueueOptions struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
	Limit              int
}

// DefaultRetryQueueOptions matches the manager cycle's drain settings.
func DefaultRetryQueueOptions() RetryQueueOptions {
	return RetryQueueOptions{
		MaxAttempts:        20,
		BaseBackoffSeconds: 15,
		MaxBackoffSeconds:  300,
		Limit:              20,
	}
}

// ProcessReportRetryQueue resubmits due pending reports. Ingestion
// runs without the state lock held because IngestReport takes it
// itself; queue bookkeeping re-locks around each outcome.
func (e *Engine) ProcessReportRetryQueue(opts RetryQueueOptions) (*RetryQueueSummary, error) {
	now := time.Now().UTC()
	due, err := e.collectDueRetries(now, opts.Limit)
	if err != nil {
		return nil, err
	}

	processed := []*RetryOutcome{}
	for _, item := range due {
		report := item.Report
		if report == nil {
			report = map[string]interface{}{}
		}
		result, ingestErr := e.IngestReport(report)
		if ingestErr == nil {
			if err := e.markRetrySubmitted(item.ID); err != nil {
				return nil, err
			}
			processed = append(processed, &RetryOutcome{
				QueueID: item.ID,
				Status:  RetryStatusSubmitted,
				Result:  result,
			})
			if _, err := e.bus.Emit("report.retry_submitted", "orchestrator", map[string]interface{}{
				"queue_id": item.ID,
				"task_id":  report["task_id"],
				"agent":    report["agent"],
			}); err != nil {
				return nil, err
			}
			continue
		}

		attempts := item.Attempts + 1
		backoff := retryBackoffSeconds(attempts, opts.BaseBackoffSeconds, opts.MaxBackoffSeconds)
		nextRetry := time.Now().UTC().Add(time.Duration(backoff) * time.Second).Format(time.RFC3339Nano)
		terminal := attempts >= max(1, opts.MaxAttempts)
		if err := e.markRetryFailed(item.ID, attempts, ingestErr.Error(), nextRetry, terminal); err != nil {
			return nil, err
		}
		status := RetryStatusRetrying
		eventType := "report.retry_retrying"
		if terminal {
			status = RetryStatusFailed
			eventType = "report.retry_failed"
		}
		processed = append(processed, &RetryOutcome{
			QueueID:     item.ID,
			Status:      status,
			Attempts:    attempts,
			Error:       ingestErr.Error(),
			NextRetryAt: nextRetry,
		})
		if _, err := e.bus.Emit(eventType, "orchestrator", map[string]interface{}{
			"queue_id":      item.ID,
			"task_id":       report["task_id"],
			"agent":         report["agent"],
			"attempts":      attempts,
			"error":         ingestErr.Error(),
			"next_retry_at": nextRetry,
		}); err != nil {
			return nil, err
		}
	}

	queue, err := e.snapshotRetryQueue()
	if err != nil {
		return nil, err
	}
	summary := &RetryQueueSummary{Processed: processed}
	for _, item := range queue {
		switch item.Status {
		case RetryStatusPending:
			summary.Pending++
		case RetryStatusFailed:
			summary.Failed++
		case RetryStatusSubmitted:
			summary.Submitted++
		}
	}
	return summary, nil
}

func retryBackoffSeconds(attempts, base, ceiling int) int {
	backoff := max(1, base)
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= ceiling {
			return ceiling
		}
	}
	return min(ceiling, backoff)
}

func (e *Engine) collectDueRetries(now time.Time, limit int) ([]*RetryEntry, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	queue, err := e.readRetryQueue()
	if err != nil {
		return nil, err
	}
	due := []*RetryEntry{}
	for _, item := range queue {
		if item.Status == RetryStatusPending {
			retryAt, err := time.Parse(time.RFC3339Nano, item.NextRetryAt)
			if err != nil || !retryAt.After(now) {
				copied := *item
				due = append(due, &copied)
			}
		}
		if len(due) >= max(1, limit) {
			break
		}
	}
	return due, nil
}

func (e *Engine) markRetrySubmitted(queueID string) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	queue, err := e.readRetryQueue()
	if err != nil {
		return err
	}
	for _, entry := range queue {
		if entry.ID != queueID {
			continue
		}
		entry.Status = RetryStatusSubmitted
		entry.UpdatedAt = nowISO()
		entry.SubmittedAt = nowISO()
		entry.LastError = ""
		break
	}
	return e.writeRetryQueue(queue)
}

func (e *Engine) markRetryFailed(queueID string, attempts int, errMsg, nextRetryAt string, terminal bool) error {
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	queue, err := e.readRetryQueue()
	if err != nil {
		return err
	}
	for _, entry := range queue {
		if entry.ID != queueID {
			continue
		}
		entry.Attempts = attempts
		entry.LastError = errMsg
		entry.UpdatedAt = nowISO()
		entry.NextRetryAt = nextRetryAt
		if terminal {
			entry.Status = RetryStatusFailed
		}
		break
	}
	return e.writeRetryQueue(queue)
}

func (e *Engine) snapshotRetryQueue() ([]*RetryEntry, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.readRetryQueue()
}
