// Package orchestrator implements the coordination engine for a pool
// of coding agents working on one project: task delegation and claims,
// report validation, bug and blocker tracking, agent presence with
// identity verification, an append-only event feed with per-agent
// cursors, and architecture decision records.
//
// All state lives under a single root directory as small JSON
// documents plus JSONL logs, so several server processes can share it.
// Cross-document transitions run under one coarse advisory lock; the
// lock is not reentrant, so helpers called under it must only touch
// per-document locks.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/policy"
	"github.com/crewkit/crewkit/internal/store"
)

// State document names under <root>/state.
const (
	docTasks          = "tasks.json"
	docBugs           = "bugs.json"
	docBlockers       = "blockers.json"
	docAgents         = "agents.json"
	docCursors        = "event_cursors.json"
	docAcks           = "event_acks.json"
	docRoles          = "roles.json"
	docClaimOverrides = "claim_overrides.json"
	docStaleNotices   = "stale_notices.json"
	docRetryQueue     = "report_retry_queue.json"
)

// Engine owns the state tree rooted at a project coordination
// directory and mediates every read and transition on it.
type Engine struct {
	root         string
	decisionsDir string

	policy *policy.Policy
	store  *store.Store
	bus    *bus.Bus
	log    *logger.Logger
}

// New opens (and if needed creates) the coordination tree at root.
func New(root string, pol *policy.Policy, log *logger.Logger) (*Engine, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("orchestrator root must be non-empty")
	}
	resolved, ok := safeResolve(root)
	if !ok {
		return nil, fmt.Errorf("cannot resolve orchestrator root %q", root)
	}
	if pol == nil {
		pol = policy.Default("default")
	}
	if log == nil {
		log = logger.Default()
	}

	st, err := store.New(resolved)
	if err != nil {
		return nil, err
	}
	eventBus, err := bus.New(filepath.Join(resolved, "bus"))
	if err != nil {
		return nil, err
	}
	decisionsDir := filepath.Join(resolved, "decisions")
	if err := os.MkdirAll(decisionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create decisions directory: %w", err)
	}

	return &Engine{
		root:         resolved,
		decisionsDir: decisionsDir,
		policy:       pol,
		store:        st,
		bus:          eventBus,
		log:          log,
	}, nil
}

// Root returns the resolved coordination root.
func (e *Engine) Root() string { return e.root }

// Policy returns the loaded delegation policy.
func (e *Engine) Policy() *policy.Policy { return e.policy }

// Bus exposes the event bus for transport-level concerns such as the
// audit trail.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// DecisionsDir returns the directory holding decision records.
func (e *Engine) DecisionsDir() string { return e.decisionsDir }

// Bootstrap creates any missing state documents and emits a marker
// event. Existing documents are left untouched, so it is safe to call
// on every startup.
func (e *Engine) Bootstrap() error {
	type seed struct {
		name  string
		value interface{}
	}
	seeds := []seed{
		{docTasks, []*Task{}},
		{docBugs, []*Bug{}},
		{docBlockers, []*Blocker{}},
		{docAgents, map[string]*AgentRecord{}},
		{docCursors, map[string]int{}},
		{docAcks, map[string][]string{}},
		{docRoles, &Roles{Leader: e.policy.Manager(), TeamMembers: []string{}}},
		{docClaimOverrides, map[string]string{}},
		{docStaleNotices, map[string]string{}},
		{docRetryQueue, []*RetryEntry{}},
	}
	for _, s := range seeds {
		if _, err := os.Stat(e.store.Path(s.name)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", s.name, err)
		}
		if err := e.store.Put(s.name, s.value); err != nil {
			return err
		}
	}
	_, err := e.bus.Emit("orchestrator.bootstrapped", "orchestrator", map[string]interface{}{
		"root": e.root,
	})
	if err != nil {
		return err
	}
	e.log.Info("orchestrator state bootstrapped", zap.String("root", e.root))
	return nil
}

// --- document access -------------------------------------------------
//
// List documents are strict: unreadable content is an error. Map
// documents tolerate a well-formed file of the wrong shape and treat
// it as empty, since a later write repairs it.

func (e *Engine) readTasks() ([]*Task, error) {
	var tasks []*Task
	if _, err := e.store.Get(docTasks, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (e *Engine) writeTasks(tasks []*Task) error {
	if tasks == nil {
		tasks = []*Task{}
	}
	return e.store.Put(docTasks, tasks)
}

func (e *Engine) readBugs() ([]*Bug, error) {
	var bugs []*Bug
	if _, err := e.store.Get(docBugs, &bugs); err != nil {
		return nil, err
	}
	return bugs, nil
}

func (e *Engine) writeBugs(bugs []*Bug) error {
	if bugs == nil {
		bugs = []*Bug{}
	}
	return e.store.Put(docBugs, bugs)
}

func (e *Engine) readBlockers() ([]*Blocker, error) {
	var blockers []*Blocker
	if _, err := e.store.Get(docBlockers, &blockers); err != nil {
		return nil, err
	}
	return blockers, nil
}

func (e *Engine) writeBlockers(blockers []*Blocker) error {
	if blockers == nil {
		blockers = []*Blocker{}
	}
	return e.store.Put(docBlockers, blockers)
}

func (e *Engine) readRetryQueue() ([]*RetryEntry, error) {
	var queue []*RetryEntry
	if _, err := e.store.Get(docRetryQueue, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (e *Engine) writeRetryQueue(queue []*RetryEntry) error {
	if queue == nil {
		queue = []*RetryEntry{}
	}
	return e.store.Put(docRetryQueue, queue)
}

func (e *Engine) readAgents() (map[string]*AgentRecord, error) {
	agents := map[string]*AgentRecord{}
	if _, err := e.store.Get(docAgents, &agents); err != nil {
		if !wrongShape(err) {
			return nil, err
		}
		agents = map[string]*AgentRecord{}
	}
	if agents == nil {
		agents = map[string]*AgentRecord{}
	}
	return agents, nil
}

func (e *Engine) writeAgents(agents map[string]*AgentRecord) error {
	return e.store.Put(docAgents, agents)
}

func (e *Engine) readCursors() (map[string]int, error) {
	cursors := map[string]int{}
	if _, err := e.store.Get(docCursors, &cursors); err != nil {
		if !wrongShape(err) {
			return nil, err
		}
		cursors = map[string]int{}
	}
	if cursors == nil {
		cursors = map[string]int{}
	}
	return cursors, nil
}

func (e *Engine) writeCursors(cursors map[string]int) error {
	return e.store.Put(docCursors, cursors)
}

func (e *Engine) readAcks() (map[string][]string, error) {
	acks := map[string][]string{}
	if _, err := e.store.Get(docAcks, &acks); err != nil {
		if !wrongShape(err) {
			return nil, err
		}
		acks = map[string][]string{}
	}
	if acks == nil {
		acks = map[string][]string{}
	}
	return acks, nil
}

func (e *Engine) readStringMap(name string) (map[string]string, error) {
	m := map[string]string{}
	if _, err := e.store.Get(name, &m); err != nil {
		if !wrongShape(err) {
			return nil, err
		}
		m = map[string]string{}
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// wrongShape reports whether err came from decoding well-formed JSON
// into a mismatched Go type, as opposed to I/O failure or corrupt
// bytes.
func wrongShape(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

// --- time and path helpers -------------------------------------------

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ageSeconds returns whole seconds elapsed since the RFC 3339
// timestamp ts, or nil when ts is absent or unparseable.
func ageSeconds(ts string, now time.Time) *int {
	if strings.TrimSpace(ts) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil
	}
	age := int(now.Sub(parsed).Seconds())
	return &age
}

// safeResolve expands a leading ~, absolutizes, and resolves symlinks
// when the path exists. ok is false for blank or unresolvable input.
func safeResolve(raw string) (resolved string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", false
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, true
	}
	return filepath.Clean(abs), true
}

// pathWithin reports whether child equals root or sits below it.
func pathWithin(child, root string) bool {
	if child == root {
		return true
	}
	return strings.HasPrefix(child, root+string(os.PathSeparator))
}

// metaString extracts metadata[key] as a trimmed-preserving string
// pointer: nil when the key is absent or null, the stringified value
// otherwise.
func metaString(metadata map[string]interface{}, key string) *string {
	if metadata == nil {
		return nil
	}
	v, ok := metadata[key]
	if !ok || v == nil {
		return nil
	}
	if s, isStr := v.(string); isStr {
		return &s
	}
	s := fmt.Sprint(v)
	return &s
}

// metaStringValue is metaString collapsed to a plain string, "" when
// absent.
func metaStringValue(metadata map[string]interface{}, key string) string {
	if p := metaString(metadata, key); p != nil {
		return *p
	}
	return ""
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func uniqueTrimmed(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}
