package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// ManagerAgent resolves the current leader: the roles document when it
// names one, otherwise the policy default.
func (e *Engine) ManagerAgent() string {
	var roles Roles
	if _, err := e.store.Get(docRoles, &roles); err == nil {
		if strings.TrimSpace(roles.Leader) != "" {
			return roles.Leader
		}
	}
	return e.policy.Manager()
}

// GetRoles returns the normalized leadership view. Team members are
// deduplicated, trimmed, sorted, and never include the leader.
func (e *Engine) GetRoles() (*RolesView, error) {
	var roles Roles
	if _, err := e.store.Get(docRoles, &roles); err != nil {
		if !wrongShape(err) {
			return nil, err
		}
		roles = Roles{}
	}
	leader := roles.Leader
	if strings.TrimSpace(leader) == "" {
		leader = e.policy.Manager()
	}
	members := make([]string, 0, len(roles.TeamMembers))
	seen := map[string]bool{}
	for _, member := range roles.TeamMembers {
		trimmed := strings.TrimSpace(member)
		if trimmed == "" || trimmed == leader || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		members = append(members, trimmed)
	}
	sort.Strings(members)
	return &RolesView{
		Leader:        leader,
		TeamMembers:   members,
		DefaultLeader: e.policy.Manager(),
	}, nil
}

// SetRole reassigns leadership or team membership. Only the current
// leader may change roles; promoting a new leader removes them from
// the member list, and the sitting leader cannot be demoted in place.
func (e *Engine) SetRole(agent, role, source string) (*RolesView, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("agent must be a non-empty string")
	}
	normalized := strings.ToLower(strings.TrimSpace(role))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized != "leader" && normalized != "team_member" {
		return nil, fmt.Errorf("role must be one of: leader, team_member")
	}
	target := strings.TrimSpace(agent)

	leader, members, err := e.applyRoleChange(target, normalized, source)
	if err != nil {
		return nil, err
	}
	if _, err := e.bus.Emit("role.updated", source, map[string]interface{}{
		"agent":        target,
		"role":         normalized,
		"leader":       leader,
		"team_members": members,
	}); err != nil {
		return nil, err
	}
	return e.GetRoles()
}

func (e *Engine) applyRoleChange(target, role, source string) (string, []string, error) {
	unlock, err := e.store.Lock()
	if err != nil {
		return "", nil, err
	}
	defer unlock()

	current, err := e.GetRoles()
	if err != nil {
		return "", nil, err
	}
	if source != current.Leader {
		return "", nil, fmt.Errorf("leader_mismatch: source=%s, current_leader=%s", source, current.Leader)
	}

	leader := current.Leader
	memberSet := map[string]bool{}
	for _, member := range current.TeamMembers {
		memberSet[member] = true
	}

	if role == "leader" {
		leader = target
		delete(memberSet, target)
	} else {
		if target == leader {
			return "", nil, fmt.Errorf("current leader cannot be assigned as team_member")
		}
		memberSet[target] = true
	}

	members := make([]string, 0, len(memberSet))
	for member := range memberSet {
		members = append(members, member)
	}
	sort.Strings(members)
	if err := e.store.Put(docRoles, &Roles{Leader: leader, TeamMembers: members}); err != nil {
		return "", nil, err
	}
	return leader, members, nil
}
