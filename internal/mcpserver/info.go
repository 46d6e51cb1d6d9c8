package mcpserver

import (
	"github.com/crewkit/crewkit/internal/orchestrator"
)

// guidePayload is the static orchestration playbook served by
// orchestrator_guide. Kept in lockstep with the tool set above.
func (s *Server) guidePayload() map[string]interface{} {
	return map[string]interface{}{
		"purpose": "MCP-first multi-agent orchestration for manager/worker loops.",
		"roles": map[string]interface{}{
			"manager":       s.engine.ManagerAgent(),
			"worker_agents": s.engine.Policy().Voters(),
		},
		"required_sequences": map[string]interface{}{
			"manager": []string{
				"orchestrator_bootstrap",
				"orchestrator_create_task (repeat per work unit)",
				"orchestrator_list_blockers (ask user for required inputs)",
				"orchestrator_resolve_blocker (write user decision back)",
				"orchestrator_manager_cycle (poll until no pending tasks)",
				"orchestrator_decide_architecture (when a decision is required)",
			},
			"worker": []string{
				"orchestrator_connect_to_leader",
				"orchestrator_claim_next_task",
				"orchestrator_poll_events (wait for manager instructions/updates)",
				"implement + test + commit",
				"orchestrator_submit_report",
				"orchestrator_raise_blocker (when blocked by missing input/access/decision)",
				"ask manager to validate",
			},
		},
		"report_contract": map[string]interface{}{
			"required_fields": []string{
				"task_id",
				"agent",
				"commit_sha",
				"status",
				"test_summary.command",
				"test_summary.passed",
				"test_summary.failed",
			},
		},
		"notes": []string{
			"Never claim done without orchestrator_submit_report.",
			"Manager should validate every reported task.",
			"Validation failure opens bug loop; pass closes task and related bugs.",
			"Use orchestrator_raise_blocker for any user-dependent decision or access issue.",
		},
	}
}

// statusPayload is the session-entry summary served by
// orchestrator_status. Filesystem paths appear only when the server is
// configured with StatusVerbosePaths.
func (s *Server) statusPayload() (map[string]interface{}, error) {
	tasks, err := s.engine.ListTasks()
	if err != nil {
		return nil, err
	}
	bugs, err := s.engine.ListBugs("", "")
	if err != nil {
		return nil, err
	}
	activeAgents := []string{}
	agents, err := s.engine.ListAgents(orchestrator.ListAgentsOptions{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, agent := range agents {
		activeAgents = append(activeAgents, agent.Agent)
	}

	byStatus := map[string]int{}
	for _, task := range tasks {
		byStatus[task.Status]++
	}

	payload := map[string]interface{}{
		"server":             s.cfg.Name,
		"version":            s.cfg.Version,
		"policy_name":        s.engine.Policy().Name,
		"manager":            s.engine.ManagerAgent(),
		"task_count":         len(tasks),
		"task_status_counts": byStatus,
		"bug_count":          len(bugs),
		"active_agents":      activeAgents,
	}
	if s.cfg.StatusVerbosePaths {
		payload["root"] = s.engine.Root()
		payload["policy"] = s.cfg.PolicyPath
	}
	return payload, nil
}
