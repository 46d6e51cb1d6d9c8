package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewkit/crewkit/internal/orchestrator"
)

// defaultAcceptanceCriteria is applied when create_task omits criteria.
var defaultAcceptanceCriteria = []string{"Tests pass", "Acceptance criteria satisfied"}

func (s *Server) registerTools() {
	type tool struct {
		def     mcp.Tool
		handler server.ToolHandlerFunc
	}
	tools := []tool{
		{
			mcp.NewTool("orchestrator_bootstrap",
				mcp.WithDescription("Initialize the orchestrator state tree (idempotent). Run once per project before any other tool."),
			),
			s.bootstrapHandler(),
		},
		{
			mcp.NewTool("orchestrator_guide",
				mcp.WithDescription("Return the orchestration playbook: roles, required call sequences, and the report contract."),
			),
			s.guideHandler(),
		},
		{
			mcp.NewTool("orchestrator_status",
				mcp.WithDescription("Show server identity, active policy, manager, task counts by status, bug count, and active agents. Use this first in every session."),
			),
			s.statusHandler(),
		},
		{
			mcp.NewTool("orchestrator_get_roles",
				mcp.WithDescription("Return the current leader, team members, and the policy default leader."),
			),
			s.getRolesHandler(),
		},
		{
			mcp.NewTool("orchestrator_set_role",
				mcp.WithDescription("Assign the manager or team_member role to an agent. Leader-only."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Agent id to update")),
				mcp.WithString("role", mcp.Required(), mcp.Description("manager or team_member")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
			),
			s.setRoleHandler(),
		},
		{
			mcp.NewTool("orchestrator_register_agent",
				mcp.WithDescription("Register an agent, replacing its identity metadata."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Agent id")),
				mcp.WithObject("metadata", mcp.Description("Identity metadata (string-encoded JSON accepted)")),
			),
			s.registerAgentHandler(),
		},
		{
			mcp.NewTool("orchestrator_heartbeat",
				mcp.WithDescription("Refresh an agent's presence, merging any metadata updates."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Agent id")),
				mcp.WithObject("metadata", mcp.Description("Metadata updates to merge (string-encoded JSON accepted)")),
			),
			s.heartbeatHandler(),
		},
		{
			mcp.NewTool("orchestrator_connect_to_leader",
				mcp.WithDescription("Team-member attach handshake: register, heartbeat, verify identity, announce to the leader, and auto-claim work."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Connecting agent id")),
				mcp.WithObject("metadata", mcp.Description("Identity metadata (string-encoded JSON accepted)")),
				mcp.WithString("status", mcp.Description("Initial status, default idle")),
				mcp.WithBoolean("announce", mcp.Description("Emit team_member.connected to the leader (default true)")),
				mcp.WithString("source", mcp.Description("Calling agent, defaults to agent")),
				mcp.WithString("project_override", mcp.Description("Leader-only project root pin for this agent")),
			),
			s.connectToLeaderHandler(),
		},
		{
			mcp.NewTool("orchestrator_connect_team_members",
				mcp.WithDescription("Leader handshake: signal the listed agents to connect and poll until all are verified or the timeout expires."),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
				mcp.WithArray("team_members", mcp.Required(), mcp.Description("Agent ids to activate (string-encoded JSON accepted)")),
				mcp.WithNumber("timeout_seconds", mcp.Description("Handshake deadline, default 90")),
				mcp.WithNumber("poll_interval_seconds", mcp.Description("Poll cadence, default 5")),
				mcp.WithNumber("stale_after_seconds", mcp.Description("Freshness threshold override")),
			),
			s.connectTeamMembersHandler(),
		},
		{
			mcp.NewTool("orchestrator_set_agent_project_context",
				mcp.WithDescription("Leader-only override pinning an agent's project_root and cwd."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Target agent id")),
				mcp.WithString("project_root", mcp.Required(), mcp.Description("Project root to pin")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
				mcp.WithString("cwd", mcp.Description("Working directory, defaults to project_root")),
			),
			s.setProjectContextHandler(),
		},
		{
			mcp.NewTool("orchestrator_list_agents",
				mcp.WithDescription("List registered agents with identity snapshots and task-load counts."),
				mcp.WithBoolean("active_only", mcp.Description("Only active agents (default false)")),
				mcp.WithNumber("stale_after_seconds", mcp.Description("Freshness threshold override")),
				mcp.WithBoolean("emit_stale_notices", mcp.Description("Publish reconnect nudges for stale agents (default true)")),
			),
			s.listAgentsHandler(),
		},
		{
			mcp.NewTool("orchestrator_discover_agents",
				mcp.WithDescription("List registered agents plus participants inferred from events and task ownership."),
				mcp.WithBoolean("active_only", mcp.Description("Only active registered agents (default false)")),
				mcp.WithNumber("stale_after_seconds", mcp.Description("Freshness threshold override")),
			),
			s.discoverAgentsHandler(),
		},
		{
			mcp.NewTool("orchestrator_create_task",
				mcp.WithDescription("Create an assigned task routed by workstream, with open-task deduplication."),
				mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
				mcp.WithString("workstream", mcp.Description("backend, frontend, qa, devops, or default")),
				mcp.WithString("description", mcp.Description("Task description")),
				mcp.WithArray("acceptance_criteria", mcp.Description("Acceptance criteria (string-encoded JSON accepted)")),
				mcp.WithString("owner", mcp.Description("Explicit owner; empty routes through policy")),
			),
			s.createTaskHandler(),
		},
		{
			mcp.NewTool("orchestrator_dedupe_tasks",
				mcp.WithDescription("Close duplicate open tasks, keeping the oldest of each fingerprint."),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent")),
			),
			s.dedupeTasksHandler(),
		},
		{
			mcp.NewTool("orchestrator_list_tasks",
				mcp.WithDescription("List tasks, optionally filtered by status and owner."),
				mcp.WithString("status", mcp.Description("Status filter")),
				mcp.WithString("owner", mcp.Description("Owner filter")),
			),
			s.listTasksHandler(),
		},
		{
			mcp.NewTool("orchestrator_get_tasks_for_agent",
				mcp.WithDescription("List tasks owned by one agent, optionally filtered by status."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Owner agent id")),
				mcp.WithString("status", mcp.Description("Status filter")),
			),
			s.tasksForAgentHandler(),
		},
		{
			mcp.NewTool("orchestrator_claim_next_task",
				mcp.WithDescription("Claim the next assigned task for an agent, honoring manager claim overrides."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Claiming agent id")),
			),
			s.claimNextTaskHandler(),
		},
		{
			mcp.NewTool("orchestrator_set_claim_override",
				mcp.WithDescription("Force an agent's next claim to a specific task. Leader-only."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Agent whose claim is forced")),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task the agent must claim next")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
			),
			s.setClaimOverrideHandler(),
		},
		{
			mcp.NewTool("orchestrator_update_task_status",
				mcp.WithDescription("Update a task's status. Completion and report transitions must go through orchestrator_submit_report."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
				mcp.WithString("status", mcp.Required(), mcp.Description("New status")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; owner or leader")),
				mcp.WithString("note", mcp.Description("Optional status note")),
			),
			s.updateTaskStatusHandler(),
		},
		{
			mcp.NewTool("orchestrator_submit_report",
				mcp.WithDescription("Submit a completion report. Rejected reports are queued for retry instead of failing."),
				mcp.WithObject("report", mcp.Required(), mcp.Description("Report document: task_id, agent, commit_sha, status, test_summary{command, passed, failed} (string-encoded JSON accepted)")),
			),
			s.submitReportHandler(),
		},
		{
			mcp.NewTool("orchestrator_validate_task",
				mcp.WithDescription("Record a validation decision for a reported task. Leader-only."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
				mcp.WithBoolean("passed", mcp.Required(), mcp.Description("Whether validation passed")),
				mcp.WithString("notes", mcp.Description("Validation notes")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
			),
			s.validateTaskHandler(),
		},
		{
			mcp.NewTool("orchestrator_list_bugs",
				mcp.WithDescription("List bugs, optionally filtered by status and owner."),
				mcp.WithString("status", mcp.Description("Status filter: open or closed")),
				mcp.WithString("owner", mcp.Description("Owner filter")),
			),
			s.listBugsHandler(),
		},
		{
			mcp.NewTool("orchestrator_raise_blocker",
				mcp.WithDescription("Raise a structured blocker question against a task; the task becomes blocked."),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Blocked task id")),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Raising agent; must own the task")),
				mcp.WithString("question", mcp.Required(), mcp.Description("The decision or input needed")),
				mcp.WithArray("options", mcp.Description("Proposed answers (string-encoded JSON accepted)")),
				mcp.WithString("severity", mcp.Description("Blocker severity, default medium")),
			),
			s.raiseBlockerHandler(),
		},
		{
			mcp.NewTool("orchestrator_list_blockers",
				mcp.WithDescription("List blockers, optionally filtered by status and agent."),
				mcp.WithString("status", mcp.Description("Status filter: open or resolved")),
				mcp.WithString("agent", mcp.Description("Agent filter")),
			),
			s.listBlockersHandler(),
		},
		{
			mcp.NewTool("orchestrator_resolve_blocker",
				mcp.WithDescription("Resolve a blocker and resume its task based on the owner's liveness."),
				mcp.WithString("blocker_id", mcp.Required(), mcp.Description("Blocker id")),
				mcp.WithString("resolution", mcp.Required(), mcp.Description("The decision taken")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Resolving agent")),
			),
			s.resolveBlockerHandler(),
		},
		{
			mcp.NewTool("orchestrator_publish_event",
				mcp.WithDescription("Publish an event to the shared feed, optionally restricted to an audience."),
				mcp.WithString("type", mcp.Required(), mcp.Description("Event type")),
				mcp.WithString("source", mcp.Required(), mcp.Description("Publishing agent")),
				mcp.WithObject("payload", mcp.Description("Event payload (string-encoded JSON accepted)")),
				mcp.WithArray("audience", mcp.Description("Recipient agent ids; empty broadcasts (string-encoded JSON accepted)")),
			),
			s.publishEventHandler(),
		},
		{
			mcp.NewTool("orchestrator_poll_events",
				mcp.WithDescription("Long-poll the event feed from the agent's cursor, honoring audience filters."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Polling agent id")),
				mcp.WithNumber("cursor", mcp.Description("Explicit start offset; omitted resumes the stored cursor")),
				mcp.WithNumber("limit", mcp.Description("Max events to deliver, default 50")),
				mcp.WithNumber("timeout_ms", mcp.Description("Long-poll wait in milliseconds, default 0")),
				mcp.WithBoolean("auto_advance", mcp.Description("Persist the new cursor after delivery (default true)")),
			),
			s.pollEventsHandler(),
		},
		{
			mcp.NewTool("orchestrator_ack_event",
				mcp.WithDescription("Acknowledge consumption of an event. Idempotent per agent/event pair."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Acking agent id")),
				mcp.WithString("event_id", mcp.Required(), mcp.Description("Event id")),
			),
			s.ackEventHandler(),
		},
		{
			mcp.NewTool("orchestrator_get_agent_cursor",
				mcp.WithDescription("Return an agent's stored event cursor (0 when it never polled)."),
				mcp.WithString("agent", mcp.Required(), mcp.Description("Agent id")),
			),
			s.getAgentCursorHandler(),
		},
		{
			mcp.NewTool("orchestrator_manager_cycle",
				mcp.WithDescription("Run one supervision pass: drain report retries, validate reported tasks, reconnect and reassign stale owners, and publish the contract digest."),
				mcp.WithBoolean("strict", mcp.Description("Require commit_sha and a test command for auto-acceptance (default false)")),
			),
			s.managerCycleHandler(),
		},
		{
			mcp.NewTool("orchestrator_reassign_stale_tasks",
				mcp.WithDescription("Move open tasks off owners whose heartbeat went stale. Leader-only."),
				mcp.WithString("source", mcp.Required(), mcp.Description("Calling agent; must be the current leader")),
				mcp.WithNumber("stale_after_seconds", mcp.Description("Staleness threshold override")),
				mcp.WithBoolean("include_blocked", mcp.Description("Also reassign blocked tasks (default true)")),
			),
			s.reassignStaleTasksHandler(),
		},
		{
			mcp.NewTool("orchestrator_decide_architecture",
				mcp.WithDescription("Record a consensus architecture decision as an ADR; every policy voter must vote."),
				mcp.WithString("topic", mcp.Required(), mcp.Description("Decision topic")),
				mcp.WithArray("options", mcp.Required(), mcp.Description("Candidate options (string-encoded JSON accepted)")),
				mcp.WithObject("votes", mcp.Required(), mcp.Description("Voter → option (string-encoded JSON accepted)")),
				mcp.WithObject("rationale", mcp.Description("Voter → rationale (string-encoded JSON accepted)")),
			),
			s.decideArchitectureHandler(),
		},
		{
			mcp.NewTool("orchestrator_list_audit_logs",
				mcp.WithDescription("Return recent tool-call audit records, newest last."),
				mcp.WithNumber("limit", mcp.Description("Max records, default 100")),
				mcp.WithString("tool", mcp.Description("Tool name filter")),
				mcp.WithString("status", mcp.Description("Status filter: ok or error")),
			),
			s.listAuditLogsHandler(),
		},
		{
			mcp.NewTool("orchestrator_enable_debug_logging",
				mcp.WithDescription("Open a bounded window during which every tool call is traced with full request/response JSON."),
				mcp.WithNumber("duration_seconds", mcp.Description("Window duration, default 300, max 3600")),
				mcp.WithNumber("max_calls", mcp.Description("Window call budget, default 200, max 2000")),
			),
			s.enableDebugLoggingHandler(),
		},
		{
			mcp.NewTool("orchestrator_debug_logging_status",
				mcp.WithDescription("Report whether a debug-trace window is open and what remains of it."),
			),
			s.debugLoggingStatusHandler(),
		},
		{
			mcp.NewTool("orchestrator_live_status_report",
				mcp.WithDescription("Render the broadcast-ready progress summary with percent rollups and pipeline health."),
				mcp.WithNumber("overall_percent", mcp.Description("Override: overall project percent")),
				mcp.WithNumber("phase_1_percent", mcp.Description("Override: phase 1 percent")),
				mcp.WithNumber("phase_2_percent", mcp.Description("Override: phase 2 percent")),
				mcp.WithNumber("phase_3_percent", mcp.Description("Override: phase 3 percent")),
				mcp.WithNumber("backend_percent", mcp.Description("Override: backend slice percent")),
				mcp.WithNumber("frontend_percent", mcp.Description("Override: frontend slice percent")),
				mcp.WithNumber("qa_percent", mcp.Description("Override: QA/validation percent")),
				mcp.WithString("backend_task_id", mcp.Description("Override: backend focus task")),
				mcp.WithString("frontend_task_id", mcp.Description("Override: frontend focus task")),
			),
			s.liveStatusReportHandler(),
		},
	}

	for _, t := range tools {
		s.mcp.AddTool(t.def, t.handler)
	}
	s.logger.Info("registered MCP tools", zap.Int("count", len(tools)))
}

func (s *Server) bootstrapHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.engine.Bootstrap(); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"ok":      true,
			"policy":  s.engine.Policy().Name,
			"manager": s.engine.ManagerAgent(),
		}), nil
	}
}

func (s *Server) guideHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.guidePayload()), nil
	}
}

func (s *Server) statusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := s.statusPayload()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(payload), nil
	}
}

func (s *Server) getRolesHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		roles, err := s.engine.GetRoles()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(roles), nil
	}
}

func (s *Server) setRoleHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		role, err := req.RequireString("role")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		roles, err := s.engine.SetRole(agent, role, source)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(roles), nil
	}
}

func (s *Server) registerAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		metadata, err := objectArg(req.GetArguments(), "metadata")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entry, err := s.engine.RegisterAgent(agent, metadata)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(entry), nil
	}
}

func (s *Server) heartbeatHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		metadata, err := objectArg(req.GetArguments(), "metadata")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entry, err := s.engine.Heartbeat(agent, metadata)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(entry), nil
	}
}

func (s *Server) connectToLeaderHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		metadata, err := objectArg(req.GetArguments(), "metadata")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.ConnectToLeader(orchestrator.ConnectParams{
			Agent:           agent,
			Metadata:        metadata,
			Status:          req.GetString("status", "idle"),
			Announce:        req.GetBool("announce", true),
			Source:          req.GetString("source", agent),
			ProjectOverride: req.GetString("project_override", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) connectTeamMembersHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		teamMembers, err := stringListArg(args, "team_members")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		staleAfter, err := optIntArg(args, "stale_after_seconds")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.ConnectTeamMembers(ctx, source, teamMembers,
			req.GetInt("timeout_seconds", 90),
			req.GetInt("poll_interval_seconds", 5),
			staleAfter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) setProjectContextHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		projectRoot, err := req.RequireString("project_root")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var cwd *string
		if v := req.GetString("cwd", ""); v != "" {
			cwd = &v
		}
		result, err := s.engine.SetAgentProjectContext(agent, projectRoot, source, cwd)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		staleAfter, err := optIntArg(req.GetArguments(), "stale_after_seconds")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agents, err := s.engine.ListAgents(orchestrator.ListAgentsOptions{
			ActiveOnly:        req.GetBool("active_only", false),
			StaleAfterSeconds: staleAfter,
			EmitStaleNotices:  req.GetBool("emit_stale_notices", true),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"agents": agents}), nil
	}
}

func (s *Server) discoverAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		staleAfter, err := optIntArg(req.GetArguments(), "stale_after_seconds")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.DiscoverAgents(req.GetBool("active_only", false), staleAfter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) createTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		criteria, err := stringListArg(req.GetArguments(), "acceptance_criteria")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(criteria) == 0 {
			criteria = append([]string(nil), defaultAcceptanceCriteria...)
		}
		result, err := s.engine.CreateTask(orchestrator.CreateTaskParams{
			Title:              title,
			Workstream:         req.GetString("workstream", "default"),
			Description:        req.GetString("description", ""),
			Owner:              req.GetString("owner", ""),
			AcceptanceCriteria: criteria,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) dedupeTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.DedupeOpenTasks(source)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) listTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")
		owner := req.GetString("owner", "")
		if owner != "" {
			tasks, err := s.engine.ListTasksForOwner(owner, status)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(map[string]interface{}{"tasks": tasks}), nil
		}
		tasks, err := s.engine.ListTasks()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status != "" {
			filtered := tasks[:0:0]
			for _, task := range tasks {
				if task.Status == status {
					filtered = append(filtered, task)
				}
			}
			tasks = filtered
		}
		if tasks == nil {
			tasks = []*orchestrator.Task{}
		}
		return jsonResult(map[string]interface{}{"tasks": tasks}), nil
	}
}

func (s *Server) tasksForAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tasks, err := s.engine.ListTasksForOwner(agent, req.GetString("status", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"agent": agent, "tasks": tasks}), nil
	}
}

func (s *Server) claimNextTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.engine.ClaimNextTask(agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if task == nil {
			return jsonResult(map[string]interface{}{
				"task":    nil,
				"message": "No claimable task",
				"retry_hint": map[string]interface{}{
					"strategy":        "event_poll_then_backoff",
					"poll_timeout_ms": 120000,
					"backoff_seconds": 15,
				},
			}), nil
		}
		return jsonResult(map[string]interface{}{"task": task}), nil
	}
}

func (s *Server) setClaimOverrideHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.SetClaimOverride(agent, taskID, source)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) updateTaskStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.engine.SetTaskStatus(taskID, status, source, req.GetString("note", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(task), nil
	}
}

// submitReportHandler converts an ingest failure into a queued retry
// and a success payload, so workers are never stuck holding a report.
func (s *Server) submitReportHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := objectArg(req.GetArguments(), "report")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if report == nil {
			return mcp.NewToolResultError("report is required"), nil
		}
		result, err := s.engine.IngestReport(report)
		if err == nil {
			return jsonResult(result), nil
		}
		entry, queueErr := s.engine.EnqueueReportRetry(report, err.Error())
		if queueErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%v (retry enqueue failed: %v)", err, queueErr)), nil
		}
		return jsonResult(map[string]interface{}{
			"queued_for_retry": true,
			"queue_id":         entry.ID,
			"error":            err.Error(),
			"retry_status":     entry.Status,
		}), nil
	}
}

func (s *Server) validateTaskHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.ValidateTask(taskID, req.GetBool("passed", false), req.GetString("notes", ""), source)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) listBugsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bugs, err := s.engine.ListBugs(req.GetString("status", ""), req.GetString("owner", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"bugs": bugs}), nil
	}
}

func (s *Server) raiseBlockerHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		options, err := stringListArg(req.GetArguments(), "options")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		blocker, err := s.engine.RaiseBlocker(taskID, agent, question, options, req.GetString("severity", "medium"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(blocker), nil
	}
}

func (s *Server) listBlockersHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		blockers, err := s.engine.ListBlockers(req.GetString("status", ""), req.GetString("agent", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"blockers": blockers}), nil
	}
}

func (s *Server) resolveBlockerHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		blockerID, err := req.RequireString("blocker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resolution, err := req.RequireString("resolution")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		blocker, err := s.engine.ResolveBlocker(blockerID, resolution, source)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(blocker), nil
	}
}

func (s *Server) publishEventHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		eventType, err := req.RequireString("type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		payload, err := objectArg(args, "payload")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		audience, err := stringListArg(args, "audience")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		event, err := s.engine.PublishEvent(eventType, source, payload, audience)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(event), nil
	}
}

func (s *Server) pollEventsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cursor, err := optIntArg(req.GetArguments(), "cursor")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.PollEvents(ctx, orchestrator.PollEventsParams{
			Agent:       agent,
			Cursor:      cursor,
			Limit:       req.GetInt("limit", 50),
			TimeoutMS:   req.GetInt("timeout_ms", 0),
			AutoAdvance: req.GetBool("auto_advance", true),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) ackEventHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		eventID, err := req.RequireString("event_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.AckEvent(agent, eventID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) getAgentCursorHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cursor, err := s.engine.GetAgentCursor(agent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"agent": agent, "cursor": cursor}), nil
	}
}

func (s *Server) managerCycleHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.engine.ManagerCycle(ctx, req.GetBool("strict", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) reassignStaleTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		staleAfter, err := optIntArg(req.GetArguments(), "stale_after_seconds")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := s.engine.ReassignStaleTasks(source, staleAfter, req.GetBool("include_blocked", true))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}

func (s *Server) decideArchitectureHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		options, err := stringListArg(args, "options")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		votes, err := stringMapArg(args, "votes")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rationale, err := stringMapArg(args, "rationale")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path, err := s.engine.RecordArchitectureDecision(topic, options, votes, rationale)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"path": path}), nil
	}
}

func (s *Server) listAuditLogsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		records, err := s.engine.Bus().ReadAudit(
			req.GetInt("limit", 100),
			req.GetString("tool", ""),
			req.GetString("status", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"records": records}), nil
	}
}

func (s *Server) enableDebugLoggingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := s.debug.Enable(
			req.GetInt("duration_seconds", 0),
			req.GetInt("max_calls", 0))
		return jsonResult(status), nil
	}
}

func (s *Server) debugLoggingStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.debug.Status()), nil
	}
}

func (s *Server) liveStatusReportHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		params := orchestrator.LiveStatusParams{
			BackendTaskID:  req.GetString("backend_task_id", ""),
			FrontendTaskID: req.GetString("frontend_task_id", ""),
		}
		overrides := []struct {
			key  string
			dest **int
		}{
			{"overall_percent", &params.OverallPercent},
			{"phase_1_percent", &params.Phase1Percent},
			{"phase_2_percent", &params.Phase2Percent},
			{"phase_3_percent", &params.Phase3Percent},
			{"backend_percent", &params.BackendPercent},
			{"frontend_percent", &params.FrontendPercent},
			{"qa_percent", &params.QAPercent},
		}
		for _, override := range overrides {
			value, err := optIntArg(args, override.key)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			*override.dest = value
		}
		result, err := s.engine.LiveStatusReport(params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(result), nil
	}
}
