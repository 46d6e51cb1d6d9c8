// Package policy loads the coordination policy document: who leads, how
// workstreams route to owners, and how architecture decisions are settled.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLeader is used when the policy names no manager.
const DefaultLeader = "codex"

// DefaultHeartbeatTimeout applies when triggers carry no
// heartbeat_timeout_minutes entry.
const DefaultHeartbeatTimeout = 10 * time.Minute

// Policy describes roles, task routing, decision rules, and triggers.
type Policy struct {
	Name      string                 `json:"name" yaml:"name"`
	Roles     map[string]string      `json:"roles" yaml:"roles"`
	Routing   map[string]string      `json:"routing" yaml:"routing"`
	Decisions map[string]interface{} `json:"decisions" yaml:"decisions"`
	Triggers  map[string]interface{} `json:"triggers" yaml:"triggers"`
}

// Default returns the built-in policy used when no document exists.
func Default(name string) *Policy {
	if name == "" {
		name = "default"
	}
	return &Policy{
		Name:      name,
		Roles:     map[string]string{},
		Routing:   map[string]string{},
		Decisions: map[string]interface{}{},
		Triggers:  map[string]interface{}{},
	}
}

// Load reads a policy document from path. JSON is the default encoding;
// .yaml/.yml documents are parsed as YAML. A missing file yields the
// built-in default policy named after the file stem.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(stem(path)), nil
		}
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}

	p := Default(stem(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	}
	if p.Name == "" {
		p.Name = stem(path)
	}
	if p.Roles == nil {
		p.Roles = map[string]string{}
	}
	if p.Routing == nil {
		p.Routing = map[string]string{}
	}
	if p.Decisions == nil {
		p.Decisions = map[string]interface{}{}
	}
	if p.Triggers == nil {
		p.Triggers = map[string]interface{}{}
	}
	return p, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Manager returns the leader agent id.
func (p *Policy) Manager() string {
	if m := p.Roles["manager"]; m != "" {
		return m
	}
	return DefaultLeader
}

// TaskOwnerFor routes a workstream to its owner, falling back to the
// default route and finally the manager.
func (p *Policy) TaskOwnerFor(workstream string) string {
	if owner := p.Routing[workstream]; owner != "" {
		return owner
	}
	if owner := p.Routing["default"]; owner != "" {
		return owner
	}
	return p.Manager()
}

// ArchitectureMode returns the decision mode, defaulting to consensus.
func (p *Policy) ArchitectureMode() string {
	if arch, ok := p.Decisions["architecture"].(map[string]interface{}); ok {
		if mode, ok := arch["mode"].(string); ok && mode != "" {
			return mode
		}
	}
	return "consensus"
}

// Voters returns the agents whose votes a decision requires.
func (p *Policy) Voters() []string {
	if arch, ok := p.Decisions["architecture"].(map[string]interface{}); ok {
		if raw, ok := arch["members"].([]interface{}); ok && len(raw) > 0 {
			members := make([]string, 0, len(raw))
			for _, item := range raw {
				if name, ok := item.(string); ok && name != "" {
					members = append(members, name)
				}
			}
			if len(members) > 0 {
				return members
			}
		}
	}

	// Default equal-rights trio.
	return []string{"codex", "claude_code", "gemini"}
}

// HeartbeatTimeout derives the staleness threshold from
// triggers.heartbeat_timeout_minutes, floored at one minute.
func (p *Policy) HeartbeatTimeout() time.Duration {
	raw, ok := p.Triggers["heartbeat_timeout_minutes"]
	if !ok {
		return DefaultHeartbeatTimeout
	}
	minutes := int(DefaultHeartbeatTimeout / time.Minute)
	switch v := raw.(type) {
	case int:
		minutes = v
	case int64:
		minutes = int(v)
	case float64:
		minutes = int(v)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			minutes = parsed
		}
	}
	timeout := time.Duration(minutes) * time.Minute
	if timeout < time.Minute {
		return time.Minute
	}
	return timeout
}
