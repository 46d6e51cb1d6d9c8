package orchestrator

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/crewkit/crewkit/internal/bus"
)

// TaskStatus is the lifecycle state of a task. Status updates accept
// free-form strings, but the engine only reasons about these values.
type TaskStatus = string

const (
	TaskStatusAssigned        TaskStatus = "assigned"
	TaskStatusInProgress      TaskStatus = "in_progress"
	TaskStatusReported        TaskStatus = "reported"
	TaskStatusDone            TaskStatus = "done"
	TaskStatusBugOpen         TaskStatus = "bug_open"
	TaskStatusBlocked         TaskStatus = "blocked"
	TaskStatusDuplicateClosed TaskStatus = "duplicate_closed"
)

const (
	BugStatusOpen   = "open"
	BugStatusClosed = "closed"

	BlockerStatusOpen     = "open"
	BlockerStatusResolved = "resolved"

	RetryStatusPending   = "pending"
	RetryStatusSubmitted = "submitted"
	RetryStatusFailed    = "failed"
	RetryStatusRetrying  = "retrying"
)

// openTaskStatuses are the states that count as live work for
// deduplication, load balancing, and the manager rollup.
var openTaskStatuses = map[TaskStatus]bool{
	TaskStatusAssigned:   true,
	TaskStatusInProgress: true,
	TaskStatusReported:   true,
	TaskStatusBugOpen:    true,
	TaskStatusBlocked:    true,
}

// Task is a delegated unit of work owned by a single agent.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Workstream         string     `json:"workstream"`
	Owner              string     `json:"owner"`
	Status             TaskStatus `json:"status"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	CreatedAt          string     `json:"created_at"`
	UpdatedAt          string     `json:"updated_at"`
	DuplicateOf        string     `json:"duplicate_of,omitempty"`
	ReassignedFrom     string     `json:"reassigned_from,omitempty"`
	ReassignedReason   string     `json:"reassigned_reason,omitempty"`
	DegradedComm       bool       `json:"degraded_comm,omitempty"`
	DegradedCommReason string     `json:"degraded_comm_reason,omitempty"`
}

// CreateTaskResult is a task creation echo. When an equivalent open
// task already existed, the existing record is returned with
// Deduplicated set instead of a new one.
type CreateTaskResult struct {
	*Task
	Deduplicated bool   `json:"deduplicated,omitempty"`
	DedupeReason string `json:"dedupe_reason,omitempty"`
}

// Bug tracks a validation failure against its source task.
type Bug struct {
	ID             string `json:"id"`
	SourceTask     string `json:"source_task"`
	Owner          string `json:"owner"`
	Severity       string `json:"severity"`
	ReproSteps     string `json:"repro_steps"`
	Expected       string `json:"expected"`
	Actual         string `json:"actual"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ClosedAt       string `json:"closed_at,omitempty"`
	ResolutionNote string `json:"resolution_note,omitempty"`
}

// Blocker is a structured question from a task owner that needs a
// leader or operator decision before work can continue.
type Blocker struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	Agent      string   `json:"agent"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Severity   string   `json:"severity"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"created_at"`
	Resolution string   `json:"resolution,omitempty"`
	ResolvedBy string   `json:"resolved_by,omitempty"`
	ResolvedAt string   `json:"resolved_at,omitempty"`
}

// AgentRecord is the persisted registry entry for one agent. Metadata
// holds the free-form identity dictionary supplied by the client.
type AgentRecord struct {
	Agent    string                 `json:"agent"`
	Status   string                 `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
	LastSeen string                 `json:"last_seen"`
}

// RetryEntry is one queued report whose ingestion previously failed.
// Report keeps the rejected payload verbatim, malformed or not.
type RetryEntry struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Report      map[string]interface{} `json:"report"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"last_error"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
	NextRetryAt string                 `json:"next_retry_at"`
	SubmittedAt string                 `json:"submitted_at,omitempty"`
}

// Roles is the persisted leadership document.
type Roles struct {
	Leader      string   `json:"leader"`
	TeamMembers []string `json:"team_members"`
}

// RolesView is the normalized roles answer returned to callers.
type RolesView struct {
	Leader        string   `json:"leader"`
	TeamMembers   []string `json:"team_members"`
	DefaultLeader string   `json:"default_leader"`
}

// IdentitySnapshot is the point-in-time verification view of an agent:
// the identity metadata it declared, whether that identity is complete
// and fresh, and whether its project context resolves inside this
// orchestrator root.
type IdentitySnapshot struct {
	AgentID            *string `json:"agent_id"`
	Client             *string `json:"client"`
	Model              *string `json:"model"`
	ProjectRoot        string  `json:"project_root"`
	Cwd                string  `json:"cwd"`
	PermissionsMode    *string `json:"permissions_mode"`
	SandboxMode        *string `json:"sandbox_mode"`
	SessionID          *string `json:"session_id"`
	ConnectionID       *string `json:"connection_id"`
	ServerVersion      *string `json:"server_version"`
	VerificationSource *string `json:"verification_source"`
	Verified           bool    `json:"verified"`
	Reason             string  `json:"reason"`
	SameProject        bool    `json:"same_project"`
	LastSeen           *string `json:"last_seen"`
	AgeSeconds         *int    `json:"age_seconds"`
}

// ConnectDiagnostic explains why an agent does or does not count as an
// active collaborator right now.
type ConnectDiagnostic struct {
	Registered                     bool              `json:"registered"`
	Active                         bool              `json:"active"`
	Status                         string            `json:"status"`
	LastSeen                       *string           `json:"last_seen"`
	AgeSeconds                     *int              `json:"age_seconds"`
	Reason                         string            `json:"reason"`
	OwnedOpenTasks                 int               `json:"owned_open_tasks"`
	LatestOpenTaskUpdateAgeSeconds *int              `json:"latest_open_task_update_age_seconds"`
	Identity                       *IdentitySnapshot `json:"identity"`
}

// TaskCounts summarizes an agent's workload by lifecycle state.
type TaskCounts struct {
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Done       int `json:"done"`
}

// AgentSummary is one row of the agent listing: the stored record, its
// computed status, the identity snapshot, and the workload counts.
type AgentSummary struct {
	Agent    string                 `json:"agent"`
	Status   string                 `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
	IdentitySnapshot
	TaskCounts TaskCounts `json:"task_counts"`
}

// InferredAgent is a participant seen in events or task ownership that
// never registered with the pool.
type InferredAgent struct {
	Agent              string                 `json:"agent"`
	Status             string                 `json:"status"`
	Metadata           map[string]interface{} `json:"metadata"`
	Inferred           bool                   `json:"inferred"`
	InferredFrom       []string               `json:"inferred_from"`
	AgentID            string                 `json:"agent_id"`
	Client             *string                `json:"client"`
	Model              *string                `json:"model"`
	ProjectRoot        *string                `json:"project_root"`
	Cwd                *string                `json:"cwd"`
	PermissionsMode    *string                `json:"permissions_mode"`
	SandboxMode        *string                `json:"sandbox_mode"`
	SessionID          *string                `json:"session_id"`
	ConnectionID       *string                `json:"connection_id"`
	ServerVersion      *string                `json:"server_version"`
	VerificationSource string                 `json:"verification_source"`
	Verified           bool                   `json:"verified"`
	Reason             string                 `json:"reason"`
	SameProject        bool                   `json:"same_project"`
	LastSeen           *string                `json:"last_seen"`
	AgeSeconds         *int                   `json:"age_seconds"`
}

// DiscoverResult merges registered and inferred agents.
type DiscoverResult struct {
	RegisteredCount   int           `json:"registered_count"`
	InferredOnlyCount int           `json:"inferred_only_count"`
	Agents            []interface{} `json:"agents"`
}

// ConnectResult is the structured answer of the attach handshake.
type ConnectResult struct {
	Connected              bool              `json:"connected"`
	Agent                  string            `json:"agent"`
	Manager                string            `json:"manager"`
	Entry                  *AgentRecord      `json:"entry"`
	Identity               *IdentitySnapshot `json:"identity"`
	Verified               bool              `json:"verified"`
	Reason                 string            `json:"reason"`
	AutoClaimedTask        *Task             `json:"auto_claimed_task"`
	Next                   []string          `json:"next"`
	ProjectOverrideApplied bool              `json:"project_override_applied"`
}

// TeamConnectResult summarizes one connect_team_members handshake.
type TeamConnectResult struct {
	Status         string                        `json:"status"`
	Requested      []string                      `json:"requested"`
	Connected      []string                      `json:"connected"`
	Missing        []string                      `json:"missing"`
	Diagnostics    map[string]*ConnectDiagnostic `json:"diagnostics"`
	TimeoutSeconds int                           `json:"timeout_seconds"`
	ElapsedSeconds int                           `json:"elapsed_seconds"`
}

// ProjectContextResult confirms a leader-applied project override.
type ProjectContextResult struct {
	OK          bool              `json:"ok"`
	Agent       string            `json:"agent"`
	ProjectRoot string            `json:"project_root"`
	Cwd         string            `json:"cwd"`
	Identity    *IdentitySnapshot `json:"identity"`
}

// ClaimOverrideResult confirms a forced claim target.
type ClaimOverrideResult struct {
	OK     bool   `json:"ok"`
	Agent  string `json:"agent"`
	TaskID string `json:"task_id"`
}

// DedupeEntry records one task closed as a duplicate.
type DedupeEntry struct {
	TaskID      string `json:"task_id"`
	DuplicateOf string `json:"duplicate_of"`
}

// DedupeResult summarizes a deduplication pass.
type DedupeResult struct {
	DedupedCount int            `json:"deduped_count"`
	Deduped      []*DedupeEntry `json:"deduped"`
}

// RequeueRecord notes one stale in-progress task flipped back to
// assigned for its original owner.
type RequeueRecord struct {
	TaskID string `json:"task_id"`
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
}

// Reassignment notes one task moved off a stale owner.
type Reassignment struct {
	TaskID           string             `json:"task_id"`
	FromOwner        string             `json:"from_owner"`
	ToOwner          string             `json:"to_owner"`
	Reason           string             `json:"reason"`
	ThresholdSeconds int                `json:"threshold_seconds"`
	OwnerDiagnostic  *ConnectDiagnostic `json:"owner_diagnostic"`
}

// ReassignResult summarizes a stale reassignment pass.
type ReassignResult struct {
	ReassignedCount  int             `json:"reassigned_count"`
	ThresholdSeconds int             `json:"threshold_seconds"`
	Reassigned       []*Reassignment `json:"reassigned"`
	ActiveAgents     []string        `json:"active_agents"`
	Timestamp        string          `json:"timestamp"`
}

// ValidationResult is the outcome payload of a validation decision.
// BugID is set only when validation failed and opened a bug.
type ValidationResult struct {
	TaskID string `json:"task_id"`
	BugID  string `json:"bug_id,omitempty"`
	Owner  string `json:"owner"`
	Notes  string `json:"notes"`
}

// RetryOutcome describes one processed retry-queue entry.
type RetryOutcome struct {
	QueueID     string                 `json:"queue_id"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Attempts    int                    `json:"attempts,omitempty"`
	Error       string                 `json:"error,omitempty"`
	NextRetryAt string                 `json:"next_retry_at,omitempty"`
}

// RetryQueueSummary is the answer of one retry-queue drain.
type RetryQueueSummary struct {
	Processed []*RetryOutcome `json:"processed"`
	Pending   int             `json:"pending"`
	Failed    int             `json:"failed"`
	Submitted int             `json:"submitted"`
}

// PolledEvent is an event enriched with its log offset.
type PolledEvent struct {
	bus.Event
	Offset int `json:"offset"`
}

// PollResult is the cursor-based event delivery answer.
type PollResult struct {
	Agent      string        `json:"agent"`
	Cursor     int           `json:"cursor"`
	NextCursor int           `json:"next_cursor"`
	Events     []PolledEvent `json:"events"`
}

// AckResult confirms an event acknowledgement.
type AckResult struct {
	Agent   string `json:"agent"`
	EventID string `json:"event_id"`
	Acked   bool   `json:"acked"`
}

// OwnerRollup is the per-owner pending/done tally of a manager cycle.
type OwnerRollup struct {
	Pending int `json:"pending"`
	Done    int `json:"done"`
}

// CycleValidation records one report decision taken by a manager cycle.
type CycleValidation struct {
	TaskID string            `json:"task_id"`
	Passed bool              `json:"passed"`
	Result *ValidationResult `json:"result"`
}

// CycleResult is the full outcome of one manager cycle.
type CycleResult struct {
	ProcessedReports []*CycleValidation      `json:"processed_reports"`
	StaleRequeues    []*RequeueRecord        `json:"stale_requeues"`
	RemainingByOwner map[string]*OwnerRollup `json:"remaining_by_owner"`
	PendingTotal     int                     `json:"pending_total"`
	OpenBlockers     []*Blocker              `json:"open_blockers"`
	RetryQueue       *RetryQueueSummary      `json:"retry_queue"`
	Reconnect        *TeamConnectResult      `json:"reconnect,omitempty"`
	Reassigned       *ReassignResult         `json:"reassigned"`
}

func newTaskID() string    { return "TASK-" + shortHex(8) }
func newBugID() string     { return "BUG-" + shortHex(8) }
func newBlockerID() string { return "BLK-" + shortHex(8) }
func newRetryID() string   { return "RPTQ-" + shortHex(8) }
func newADRID() string     { return "ADR-" + shortHex(6) }

func shortHex(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:n]
}
