package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConnectParams configures the attach handshake.
type ConnectParams struct {
	Agent    string
	Metadata map[string]interface{}

	// Status is stored in the agent metadata, "idle" when empty.
	Status   string
	Announce bool

	// Source is the calling agent, defaulting to Agent. A mismatch
	// fails verification unless it is the leader applying an override.
	Source string

	// ProjectOverride lets the leader pin project_root/cwd for agents
	// whose client cannot report them.
	ProjectOverride string
}

// ConnectToLeader runs the team-member attach flow: register,
// heartbeat, verify identity, announce readiness to the leader, and
// auto-claim the first runnable task for verified non-leader agents.
func (e *Engine) ConnectToLeader(params ConnectParams) (*ConnectResult, error) {
	manager := e.ManagerAgent()
	status := params.Status
	if status == "" {
		status = "idle"
	}

	details := make(map[string]interface{}, len(params.Metadata)+2)
	for k, v := range params.Metadata {
		details[k] = v
	}
	if _, ok := details["role"]; !ok {
		details["role"] = "team_member"
	}
	details["status"] = status

	overrideApplied := false
	overridePath := strings.TrimSpace(params.ProjectOverride)
	if overridePath != "" {
		if params.Source != manager {
			agentID := params.Agent
			reason := "project_override_requires_manager_source"
			return &ConnectResult{
				Connected: false,
				Agent:     params.Agent,
				Manager:   manager,
				Identity:  &IdentitySnapshot{AgentID: &agentID, Reason: reason},
				Reason:    reason,
				Next: []string{
					fmt.Sprintf("orchestrator_set_agent_project_context(agent=%s, project_root=<path>, source=%s)", params.Agent, manager),
					fmt.Sprintf("orchestrator_connect_to_leader(agent=%s)", params.Agent),
				},
			}, nil
		}
		details["project_root"] = overridePath
		// Keep cwd coherent with the override for same-project checks.
		details["cwd"] = overridePath
		details["project_override_by"] = manager
		details["project_override_at"] = nowISO()
		overrideApplied = true
	}

	if _, err := e.RegisterAgent(params.Agent, details); err != nil {
		return nil, err
	}
	entry, err := e.Heartbeat(params.Agent, map[string]interface{}{"status": status})
	if err != nil {
		return nil, err
	}
	effectiveSource := params.Agent
	if strings.TrimSpace(params.Source) != "" {
		effectiveSource = params.Source
	}

	identity := e.identitySnapshot(entry, e.heartbeatTimeoutSeconds())
	verified := identity.Verified
	reason := identity.Reason
	managerOverrideConnect := overrideApplied && effectiveSource == manager && params.Agent != manager
	if effectiveSource != params.Agent && !managerOverrideConnect {
		verified = false
		reason = "source_agent_mismatch"
	}
	requestedRole := strings.ToLower(strings.TrimSpace(metaStringValue(details, "role")))
	if params.Agent == manager && requestedRole != "manager" {
		verified = false
		reason = "manager_role_mismatch"
	}
	if params.Agent != manager && requestedRole == "manager" {
		verified = false
		reason = "non_manager_declared_manager_role"
	}
	connected := verified && identity.SameProject

	if params.Announce {
		if _, err := e.PublishEvent("team_member.connected", params.Agent, map[string]interface{}{
			"agent":       params.Agent,
			"status":      status,
			"manager":     manager,
			"next_action": "poll_events_then_claim_once",
			"verified":    verified,
			"reason":      reason,
		}, []string{manager}); err != nil {
			return nil, err
		}
	}

	// Team members auto-claim on connect; the leader never auto-claims
	// implementation work.
	roleRaw, ok := params.Metadata["role"]
	if !ok {
		roleRaw = details["role"]
	}
	role := strings.ToLower(strings.TrimSpace(fmt.Sprint(roleRaw)))
	isManagerConnect := params.Agent == manager || role == "manager"
	var autoClaimed *Task
	if connected && !isManagerConnect {
		autoClaimed, err = e.ClaimNextTask(params.Agent)
		if err != nil {
			return nil, err
		}
	}

	return &ConnectResult{
		Connected:       connected,
		Agent:           params.Agent,
		Manager:         manager,
		Entry:           entry,
		Identity:        identity,
		Verified:        verified,
		Reason:          reason,
		AutoClaimedTask: autoClaimed,
		Next: []string{
			fmt.Sprintf("orchestrator_poll_events(agent=%s, timeout_ms=120000)", params.Agent),
			fmt.Sprintf("orchestrator_claim_next_task(agent=%s)", params.Agent),
		},
		ProjectOverrideApplied: overrideApplied,
	}, nil
}

// ConnectTeamMembers is the leader's one-shot activation handshake:
// signal the requested agents to register and heartbeat, then poll
// until they all show up verified or the timeout expires.
func (e *Engine) ConnectTeamMembers(
	ctx context.Context,
	source string,
	teamMembers []string,
	timeoutSeconds int,
	pollIntervalSeconds int,
	staleAfterSeconds *int,
) (*TeamConnectResult, error) {
	manager := e.ManagerAgent()
	if source != manager {
		return nil, fmt.Errorf("leader_mismatch: source=%s, current_leader=%s", source, manager)
	}
	staleAfter := e.staleAfterOrDefault(staleAfterSeconds)
	requested := sortedStrings(uniqueTrimmed(teamMembers))
	if len(requested) == 0 {
		return nil, fmt.Errorf("team_members must contain at least one non-empty agent id")
	}
	requestedSet := map[string]bool{}
	for _, member := range requested {
		requestedSet[member] = true
	}

	startedAt := time.Now()
	deadline := startedAt.Add(time.Duration(max(1, timeoutSeconds)) * time.Second)
	pollInterval := time.Duration(max(1, pollIntervalSeconds)) * time.Second

	if _, err := e.PublishEvent("manager.connect_team_members", source, map[string]interface{}{
		"team_members":    requested,
		"timeout_seconds": timeoutSeconds,
	}, requested); err != nil {
		return nil, err
	}

	var connected []string
poll:
	for time.Now().Before(deadline) {
		agents, err := e.ListAgents(ListAgentsOptions{StaleAfterSeconds: &staleAfter})
		if err != nil {
			return nil, err
		}
		active := make([]string, 0, len(requested))
		for _, item := range agents {
			if requestedSet[item.Agent] && item.Status == "active" && item.Verified && item.SameProject {
				active = append(active, item.Agent)
			}
		}
		sort.Strings(active)
		connected = active
		if len(connected) == len(requested) {
			break
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			break poll
		case <-timer.C:
		}
	}

	connectedSet := map[string]bool{}
	for _, member := range connected {
		connectedSet[member] = true
	}
	missing := make([]string, 0, len(requested))
	for _, member := range requested {
		if !connectedSet[member] {
			missing = append(missing, member)
		}
	}
	status := "connected"
	if len(missing) > 0 {
		status = "timeout"
	}

	diagnostics := make(map[string]*ConnectDiagnostic, len(requested))
	for _, member := range requested {
		diag, err := e.connectDiagnostic(member, staleAfter)
		if err != nil {
			return nil, err
		}
		diagnostics[member] = diag
	}

	if _, err := e.PublishEvent("manager.connect_team_members.result", source, map[string]interface{}{
		"status":      status,
		"connected":   connected,
		"missing":     missing,
		"diagnostics": diagnostics,
	}, requested); err != nil {
		return nil, err
	}

	return &TeamConnectResult{
		Status:         status,
		Requested:      requested,
		Connected:      connected,
		Missing:        missing,
		Diagnostics:    diagnostics,
		TimeoutSeconds: timeoutSeconds,
		ElapsedSeconds: int(time.Since(startedAt).Seconds()),
	}, nil
}

// SetAgentProjectContext lets the leader pin an agent's project_root
// and cwd when the agent's own client cannot supply them. A nil cwd
// mirrors project_root.
func (e *Engine) SetAgentProjectContext(agent, projectRoot, source string, cwd *string) (*ProjectContextResult, error) {
	manager := e.ManagerAgent()
	if source != manager {
		return nil, fmt.Errorf("leader_mismatch: source=%s, current_leader=%s", source, manager)
	}
	normalizedRoot := strings.TrimSpace(projectRoot)
	if normalizedRoot == "" {
		return nil, fmt.Errorf("project_root must be non-empty")
	}
	normalizedCwd := normalizedRoot
	if cwd != nil {
		normalizedCwd = strings.TrimSpace(*cwd)
	}

	identity, err := e.applyProjectContext(agent, normalizedRoot, normalizedCwd, source)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("manager.project_context_override", source, map[string]interface{}{
		"agent":        agent,
		"project_root": normalizedRoot,
		"cwd":          normalizedCwd,
		"source":       source,
	}); err != nil {
		return nil, err
	}
	return &ProjectContextResult{
		OK:          true,
		Agent:       agent,
		ProjectRoot: normalizedRoot,
		Cwd:         normalizedCwd,
		Identity:    identity,
	}, nil
}

func (e *Engine) applyProjectContext(agent, projectRoot, cwd, source string) (*IdentitySnapshot, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	agents, err := e.readAgents()
	if err != nil {
		return nil, err
	}
	entry := agents[agent]
	if entry == nil {
		entry = &AgentRecord{Agent: agent, Metadata: map[string]interface{}{}}
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	entry.Metadata["project_root"] = projectRoot
	entry.Metadata["cwd"] = cwd
	entry.Metadata["project_override_by"] = source
	entry.Metadata["project_override_at"] = nowISO()
	entry.Status = "active"
	entry.LastSeen = nowISO()
	agents[agent] = entry
	if err := e.writeAgents(agents); err != nil {
		return nil, err
	}
	return e.identitySnapshot(entry, e.heartbeatTimeoutSeconds()), nil
}
