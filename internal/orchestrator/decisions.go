package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RecordArchitectureDecision tallies a vote across the policy's
// voting members and writes the outcome as a markdown ADR. Every
// member must vote and every vote must name a listed option. Ties go
// to the earlier option.
func (e *Engine) RecordArchitectureDecision(topic string, options []string, votes, rationale map[string]string) (string, error) {
	members := e.policy.Voters()
	var missing []string
	for _, member := range members {
		if _, ok := votes[member]; !ok {
			missing = append(missing, member)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("Missing votes for: %s", strings.Join(missing, ", "))
	}

	ordered := make([]string, 0, len(options))
	counts := map[string]int{}
	for _, option := range options {
		if _, seen := counts[option]; !seen {
			counts[option] = 0
			ordered = append(ordered, option)
		}
	}
	voters := make([]string, 0, len(votes))
	for voter := range votes {
		voters = append(voters, voter)
	}
	sort.Strings(voters)
	for _, voter := range voters {
		choice := votes[voter]
		if _, known := counts[choice]; !known {
			return "", fmt.Errorf("Vote contains unknown option: %s", choice)
		}
		counts[choice]++
	}

	winner := ""
	best := -1
	for _, option := range ordered {
		if counts[option] > best {
			winner = option
			best = counts[option]
		}
	}

	decisionID := newADRID()
	path := filepath.Join(e.decisionsDir, decisionID+".md")

	lines := []string{
		fmt.Sprintf("# %s: %s", decisionID, topic),
		"",
		fmt.Sprintf("- Mode: %s", e.policy.ArchitectureMode()),
		fmt.Sprintf("- Members: %s", strings.Join(members, ", ")),
		fmt.Sprintf("- Winner: %s", winner),
		"",
		"## Options",
	}
	for _, option := range options {
		lines = append(lines, fmt.Sprintf("- %s", option))
	}
	lines = append(lines, "", "## Votes")
	for _, member := range members {
		lines = append(lines, fmt.Sprintf("- %s: %s", member, votes[member]))
	}
	lines = append(lines, "", "## Rationale")
	for _, member := range members {
		note, ok := rationale[member]
		if !ok {
			note = "No rationale provided"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", member, note))
	}
	lines = append(lines, "")

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return "", err
	}

	if _, err := e.bus.Emit("architecture.decided", "governance", map[string]interface{}{
		"decision_id": decisionID,
		"topic":       topic,
		"winner":      winner,
		"votes":       votes,
	}); err != nil {
		return "", err
	}
	return path, nil
}
