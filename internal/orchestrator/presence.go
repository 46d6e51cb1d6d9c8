package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// identityFields are the metadata keys an agent must declare before it
// counts as verified. Order is preserved in missing-field reasons.
var identityFields = []string{
	"client",
	"model",
	"cwd",
	"permissions_mode",
	"sandbox_mode",
	"session_id",
	"connection_id",
	"server_version",
	"verification_source",
}

// RegisterAgent adds or refreshes a pool entry. Non-empty metadata
// replaces the stored dictionary wholesale; use Heartbeat to merge.
func (e *Engine) RegisterAgent(agent string, metadata map[string]interface{}) (*AgentRecord, error) {
	entry, err := e.registerAgentLocked(agent, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("agent.registered", agent, map[string]interface{}{
		"agent":    agent,
		"metadata": entry.Metadata,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) registerAgentLocked(agent string, metadata map[string]interface{}) (*AgentRecord, error) {
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
		entry = &AgentRecord{}
	}
	entry.Agent = agent
	entry.Status = "active"
	if len(metadata) > 0 {
		entry.Metadata = metadata
	} else if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	entry.LastSeen = nowISO()
	agents[agent] = entry
	if err := e.writeAgents(agents); err != nil {
		return nil, err
	}
	return entry, nil
}

// Heartbeat marks the agent as alive and merges any metadata updates
// into the stored dictionary.
func (e *Engine) Heartbeat(agent string, metadata map[string]interface{}) (*AgentRecord, error) {
	entry, err := e.heartbeatLocked(agent, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("agent.heartbeat", agent, map[string]interface{}{
		"agent": agent,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) heartbeatLocked(agent string, metadata map[string]interface{}) (*AgentRecord, error) {
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
	entry.Status = "active"
	if len(metadata) > 0 {
		merged := make(map[string]interface{}, len(entry.Metadata)+len(metadata))
		for k, v := range entry.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		entry.Metadata = merged
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	entry.LastSeen = nowISO()
	agents[agent] = entry
	if err := e.writeAgents(agents); err != nil {
		return nil, err
	}
	return entry, nil
}

// refreshAgentPresence updates last_seen/status without emitting a
// heartbeat event. Used when any authenticated call should count as
// proof of life.
func (e *Engine) refreshAgentPresence(agent string) error {
	if strings.TrimSpace(agent) == "" {
		return nil
	}
	unlock, err := e.store.Lock()
	if err != nil {
		return err
	}
	defer unlock()
	return e.refreshAgentPresenceUnlocked(agent)
}

// refreshAgentPresenceUnlocked requires the caller to hold the state
// lock already.
func (e *Engine) refreshAgentPresenceUnlocked(agent string) error {
	if strings.TrimSpace(agent) == "" {
		return nil
	}
	agents, err := e.readAgents()
	if err != nil {
		return err
	}
	entry := agents[agent]
	if entry == nil {
		entry = &AgentRecord{Agent: agent, Metadata: map[string]interface{}{}}
	}
	entry.Status = "active"
	entry.LastSeen = nowISO()
	agents[agent] = entry
	return e.writeAgents(agents)
}

func (e *Engine) heartbeatTimeoutSeconds() int {
	return int(e.policy.HeartbeatTimeout().Seconds())
}

func (e *Engine) staleAfterOrDefault(staleAfter *int) int {
	if staleAfter != nil {
		return *staleAfter
	}
	return e.heartbeatTimeoutSeconds()
}

// verificationForEntry checks identity completeness and heartbeat
// freshness. Project isolation is layered on by identitySnapshot.
func (e *Engine) verificationForEntry(entry *AgentRecord, staleAfterSeconds int) (bool, string) {
	var metadata map[string]interface{}
	if entry != nil {
		metadata = entry.Metadata
	}
	var missing []string
	for _, key := range identityFields {
		if strings.TrimSpace(metaStringValue(metadata, key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return false, "missing_identity_fields:" + strings.Join(missing, ",")
	}
	var age *int
	if entry != nil && entry.LastSeen != "" {
		age = ageSeconds(entry.LastSeen, time.Now().UTC())
	}
	if age == nil || *age > staleAfterSeconds {
		return false, "no_recent_heartbeat"
	}
	return true, "verified_identity"
}

// identitySnapshot builds the full verification view for one entry.
// entry may be nil for an unregistered agent.
func (e *Engine) identitySnapshot(entry *AgentRecord, staleAfterSeconds int) *IdentitySnapshot {
	var metadata map[string]interface{}
	if entry != nil {
		metadata = entry.Metadata
	}
	now := time.Now().UTC()

	var agentID, lastSeen *string
	var age *int
	if entry != nil {
		id := entry.Agent
		agentID = &id
		ls := entry.LastSeen
		lastSeen = &ls
		if ls != "" {
			age = ageSeconds(ls, now)
		}
	}

	projectRoot := metaStringValue(metadata, "project_root")
	cwd := metaStringValue(metadata, "cwd")
	var rootResolved, cwdResolved string
	var rootOK, cwdOK bool
	if projectRoot != "" {
		rootResolved, rootOK = safeResolve(projectRoot)
	}
	if cwd != "" {
		cwdResolved, cwdOK = safeResolve(cwd)
	}
	sameProject := false
	switch {
	case rootOK && cwdOK:
		sameProject = rootResolved == e.root && pathWithin(cwdResolved, e.root)
	case rootOK:
		sameProject = rootResolved == e.root
	case cwdOK:
		sameProject = pathWithin(cwdResolved, e.root)
	}

	verified, reason := e.verificationForEntry(entry, staleAfterSeconds)
	if verified && !sameProject {
		verified = false
		reason = "project_mismatch"
	}

	displayRoot := projectRoot
	if displayRoot == "" {
		displayRoot = cwd
	}
	return &IdentitySnapshot{
		AgentID:            agentID,
		Client:             metaString(metadata, "client"),
		Model:              metaString(metadata, "model"),
		ProjectRoot:        displayRoot,
		Cwd:                cwd,
		PermissionsMode:    metaString(metadata, "permissions_mode"),
		SandboxMode:        metaString(metadata, "sandbox_mode"),
		SessionID:          metaString(metadata, "session_id"),
		ConnectionID:       metaString(metadata, "connection_id"),
		ServerVersion:      metaString(metadata, "server_version"),
		VerificationSource: metaString(metadata, "verification_source"),
		Verified:           verified,
		Reason:             reason,
		SameProject:        sameProject,
		LastSeen:           lastSeen,
		AgeSeconds:         age,
	}
}

// connectDiagnostic explains one agent's liveness for handshakes and
// reassignment decisions. It takes no coarse lock so callers already
// holding it can use it freely.
func (e *Engine) connectDiagnostic(teamMember string, staleAfterSeconds int) (*ConnectDiagnostic, error) {
	agents, err := e.readAgents()
	if err != nil {
		return nil, err
	}
	entry := agents[teamMember]
	now := time.Now().UTC()

	var lastSeen *string
	var age *int
	if entry != nil {
		ls := entry.LastSeen
		lastSeen = &ls
		if ls != "" {
			age = ageSeconds(ls, now)
		}
	}
	active := age != nil && *age <= staleAfterSeconds

	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	ownedOpen := 0
	var latestUpdateAge *int
	for _, task := range tasks {
		if task.Owner != teamMember || !openTaskStatuses[task.Status] {
			continue
		}
		ownedOpen++
		if task.UpdatedAt == "" {
			continue
		}
		taskAge := ageSeconds(task.UpdatedAt, now)
		if taskAge == nil {
			continue
		}
		if latestUpdateAge == nil || *taskAge < *latestUpdateAge {
			latestUpdateAge = taskAge
		}
	}

	reason := "no_recent_heartbeat"
	if active {
		reason = "active"
	}
	if entry == nil {
		reason = "not_registered"
	}
	identity := e.identitySnapshot(entry, staleAfterSeconds)
	if !identity.Verified {
		active = false
		reason = identity.Reason
	}

	status := "unknown"
	if entry != nil {
		status = entry.Status
	}
	return &ConnectDiagnostic{
		Registered:                     entry != nil,
		Active:                         active,
		Status:                         status,
		LastSeen:                       lastSeen,
		AgeSeconds:                     age,
		Reason:                         reason,
		OwnedOpenTasks:                 ownedOpen,
		LatestOpenTaskUpdateAgeSeconds: latestUpdateAge,
		Identity:                       identity,
	}, nil
}

// agentIsOperational checks identity completeness plus project
// isolation, deliberately ignoring heartbeat recency so agents can
// recover after downtime without re-registration. Reads only per-doc
// state, never the coarse lock.
func (e *Engine) agentIsOperational(agent string, staleAfter *int) (bool, error) {
	if strings.TrimSpace(agent) == "" {
		return false, nil
	}
	agents, err := e.readAgents()
	if err != nil {
		return false, err
	}
	entry := agents[agent]
	if entry == nil {
		return false, nil
	}
	for _, key := range identityFields {
		if strings.TrimSpace(metaStringValue(entry.Metadata, key)) == "" {
			return false, nil
		}
	}
	identity := e.identitySnapshot(entry, e.staleAfterOrDefault(staleAfter))
	return identity.SameProject, nil
}

func (e *Engine) assertAgentOperational(agent string) error {
	ok, err := e.agentIsOperational(agent, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent_not_operational_or_wrong_project: %s", agent)
	}
	return nil
}

// emitStaleNoticeIfDue nudges a stale agent (and its leader) to redo
// the handshake, at most once per cooldown window. It mutates notices
// in place and reports whether anything was emitted.
func (e *Engine) emitStaleNoticeIfDue(
	agent string,
	ageSecs int,
	staleAfterSeconds int,
	notices map[string]string,
	now time.Time,
	knownAgents []string,
) (bool, error) {
	if agent == "" {
		return false, nil
	}

	cooldown := staleAfterSeconds
	if cooldown < 60 {
		cooldown = 60
	}
	if last := notices[agent]; last != "" {
		if lastNotice, err := time.Parse(time.RFC3339Nano, last); err == nil {
			if int(now.Sub(lastNotice).Seconds()) < cooldown {
				return false, nil
			}
		}
	}

	manager := e.ManagerAgent()
	audience := []string{agent, manager}
	if agent == manager {
		set := map[string]bool{manager: true}
		for _, known := range knownAgents {
			if known != "" && known != manager {
				set[known] = true
			}
		}
		audience = audience[:0]
		for name := range set {
			audience = append(audience, name)
		}
		sort.Strings(audience)
	}

	if _, err := e.bus.Emit("agent.stale_reconnect_required", "orchestrator", map[string]interface{}{
		"agent":               agent,
		"age_seconds":         ageSecs,
		"stale_after_seconds": staleAfterSeconds,
		"action":              "rerun handshake",
		"team_member_action":  "run 'connect to leader'",
		"manager_action":      "run orchestrator_connect_team_members",
		"audience":            audience,
	}); err != nil {
		return false, err
	}
	notices[agent] = nowISO()
	return true, nil
}

// ListAgentsOptions controls the agent listing.
type ListAgentsOptions struct {
	ActiveOnly        bool
	StaleAfterSeconds *int

	// EmitStaleNotices also publishes reconnect nudges for entries that
	// turn out stale, respecting the per-agent cooldown.
	EmitStaleNotices bool
}

// ListAgents returns every registered agent with computed status,
// identity snapshot, and task-load counts, sorted by agent id. An
// agent with missing identity or the wrong project always shows as
// offline regardless of heartbeat age.
func (e *Engine) ListAgents(opts ListAgentsOptions) ([]*AgentSummary, error) {
	staleAfter := e.staleAfterOrDefault(opts.StaleAfterSeconds)
	agents, err := e.readAgents()
	if err != nil {
		return nil, err
	}
	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	notices, err := e.readStringMap(docStaleNotices)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	known := make([]string, 0, len(agents))
	for name := range agents {
		known = append(known, name)
	}
	sort.Strings(known)

	staleChanged := false
	results := make([]*AgentSummary, 0, len(agents))
	for _, name := range known {
		entry := agents[name]
		if entry == nil {
			continue
		}

		age := staleAfter + 1
		if entry.LastSeen != "" {
			if parsed := ageSeconds(entry.LastSeen, now); parsed != nil {
				age = *parsed
			}
		}
		computed := "offline"
		if age <= staleAfter {
			computed = "active"
		}
		identity := e.identitySnapshot(entry, staleAfter)
		if !identity.Verified || !identity.SameProject {
			computed = "offline"
		}

		if computed == "active" {
			if _, noticed := notices[entry.Agent]; noticed {
				delete(notices, entry.Agent)
				staleChanged = true
			}
		} else if opts.EmitStaleNotices {
			emitted, err := e.emitStaleNoticeIfDue(entry.Agent, max(0, age), staleAfter, notices, now, known)
			if err != nil {
				return nil, err
			}
			if emitted {
				staleChanged = true
			}
		}

		if opts.ActiveOnly && computed != "active" {
			continue
		}

		var counts TaskCounts
		for _, task := range tasks {
			if task.Owner != entry.Agent {
				continue
			}
			switch task.Status {
			case TaskStatusAssigned:
				counts.Assigned++
			case TaskStatusInProgress:
				counts.InProgress++
			case TaskStatusBlocked:
				counts.Blocked++
			case TaskStatusDone:
				counts.Done++
			}
		}

		metadata := entry.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		results = append(results, &AgentSummary{
			Agent:            entry.Agent,
			Status:           computed,
			Metadata:         metadata,
			IdentitySnapshot: *identity,
			TaskCounts:       counts,
		})
	}

	if staleChanged {
		if err := e.store.Put(docStaleNotices, notices); err != nil {
			return nil, err
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Agent < results[j].Agent })
	return results, nil
}

// DiscoverAgents merges the registered pool with participants inferred
// from event sources, event audiences, and task ownership.
func (e *Engine) DiscoverAgents(activeOnly bool, staleAfterSeconds *int) (*DiscoverResult, error) {
	registered, err := e.ListAgents(ListAgentsOptions{ActiveOnly: activeOnly, StaleAfterSeconds: staleAfterSeconds})
	if err != nil {
		return nil, err
	}
	registeredNames := map[string]bool{}
	for _, entry := range registered {
		registeredNames[entry.Agent] = true
	}

	inferredNames := map[string]bool{}
	events, err := e.bus.Events()
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.Source != "" && event.Source != "orchestrator" && event.Source != "governance" {
			inferredNames[event.Source] = true
		}
		if raw, ok := event.Payload["audience"]; ok {
			if audience, ok := raw.([]interface{}); ok {
				for _, item := range audience {
					if name, ok := item.(string); ok {
						inferredNames[name] = true
					}
				}
			}
		}
	}
	tasks, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		inferredNames[task.Owner] = true
	}

	names := make([]string, 0, len(inferredNames))
	for name := range inferredNames {
		names = append(names, name)
	}
	sort.Strings(names)

	inferredOnly := make([]*InferredAgent, 0, len(names))
	for _, name := range names {
		if registeredNames[name] {
			continue
		}
		inferredOnly = append(inferredOnly, &InferredAgent{
			Agent:              name,
			Status:             "unknown",
			Metadata:           map[string]interface{}{},
			Inferred:           true,
			InferredFrom:       []string{"events", "tasks"},
			AgentID:            name,
			VerificationSource: "inferred_only",
			Verified:           false,
			Reason:             "not_registered",
			SameProject:        false,
		})
	}

	merged := make([]interface{}, 0, len(registered)+len(inferredOnly))
	i, j := 0, 0
	for i < len(registered) && j < len(inferredOnly) {
		if registered[i].Agent <= inferredOnly[j].Agent {
			merged = append(merged, registered[i])
			i++
		} else {
			merged = append(merged, inferredOnly[j])
			j++
		}
	}
	for ; i < len(registered); i++ {
		merged = append(merged, registered[i])
	}
	for ; j < len(inferredOnly); j++ {
		merged = append(merged, inferredOnly[j])
	}

	return &DiscoverResult{
		RegisteredCount:   len(registered),
		InferredOnlyCount: len(inferredOnly),
		Agents:            merged,
	}, nil
}
