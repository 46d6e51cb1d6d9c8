// Package main is the operator CLI for the orchestrator. It drives the
// same engine as the MCP server directly, for bootstrap, task
// delegation, report ingestion, validation, and architecture decisions
// from a shell.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/orchestrator"
	"github.com/crewkit/crewkit/internal/policy"
)

var workstreams = []string{"backend", "frontend", "qa", "devops", "default"}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: crewkit <command> [flags]

Commands:
  bootstrap            initialize the orchestrator state tree
  create-task          delegate a new task
  list-tasks           list all tasks
  ingest-report        ingest a completion report from a JSON file
  validate             record a validation decision for a task
  decide-architecture  record a consensus architecture decision
  status               show policy, task, bug, and agent summary

Global flags (before the command flags):
  -root string         orchestrator root directory (default ".")
  -policy string       policy document path (default <root>/config/policy.codex-manager.json)
`)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	if command == "-h" || command == "--help" || command == "help" {
		usage()
		return
	}

	if err := run(command, args); err != nil {
		fmt.Fprintf(os.Stderr, "crewkit %s: %v\n", command, err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	switch command {
	case "bootstrap":
		return cmdBootstrap(args)
	case "create-task":
		return cmdCreateTask(args)
	case "list-tasks":
		return cmdListTasks(args)
	case "ingest-report":
		return cmdIngestReport(args)
	case "validate":
		return cmdValidate(args)
	case "decide-architecture":
		return cmdDecideArchitecture(args)
	case "status":
		return cmdStatus(args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// addGlobalFlags registers -root and -policy on a command's flag set.
func addGlobalFlags(fs *flag.FlagSet) (root, policyPath *string) {
	root = fs.String("root", ".", "orchestrator root directory")
	policyPath = fs.String("policy", "", "policy document path")
	return root, policyPath
}

func openEngine(root, policyPath string) (*orchestrator.Engine, *policy.Policy, error) {
	if policyPath == "" {
		policyPath = filepath.Join(root, "config", "policy.codex-manager.json")
	}
	pol, err := policy.Load(policyPath)
	if err != nil {
		return nil, nil, err
	}
	engine, err := orchestrator.New(root, pol, logger.Default())
	if err != nil {
		return nil, nil, err
	}
	return engine, pol, nil
}

// printJSON renders v to stdout as 2-space-indented JSON, the same
// shape as the on-disk documents.
func printJSON(v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := os.Stdout.Write(buf.Bytes())
	return err
}

func cmdBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	engine, pol, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	if err := engine.Bootstrap(); err != nil {
		return err
	}
	fmt.Printf("Bootstrapped with policy '%s' and manager '%s'\n", pol.Name, pol.Manager())
	return nil
}

func cmdCreateTask(args []string) error {
	fs := flag.NewFlagSet("create-task", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	title := fs.String("title", "", "task title (required)")
	workstream := fs.String("workstream", "default", "one of: "+strings.Join(workstreams, ", "))
	description := fs.String("description", "", "task description")
	owner := fs.String("owner", "", "explicit owner; empty routes through policy")
	var accept stringList
	fs.Var(&accept, "accept", "acceptance criterion (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *title == "" {
		return fmt.Errorf("-title is required")
	}
	if !validWorkstream(*workstream) {
		return fmt.Errorf("-workstream must be one of: %s", strings.Join(workstreams, ", "))
	}
	criteria := []string(accept)
	if len(criteria) == 0 {
		criteria = []string{"Tests pass", "Acceptance criteria satisfied"}
	}

	engine, _, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	result, err := engine.CreateTask(orchestrator.CreateTaskParams{
		Title:              *title,
		Workstream:         *workstream,
		Description:        *description,
		Owner:              *owner,
		AcceptanceCriteria: criteria,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func validWorkstream(ws string) bool {
	for _, known := range workstreams {
		if ws == known {
			return true
		}
	}
	return false
}

func cmdListTasks(args []string) error {
	fs := flag.NewFlagSet("list-tasks", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	engine, _, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	tasks, err := engine.ListTasks()
	if err != nil {
		return err
	}
	return printJSON(tasks)
}

func cmdIngestReport(args []string) error {
	fs := flag.NewFlagSet("ingest-report", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	file := fs.String("file", "", "path to the report JSON document (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var report map[string]interface{}
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("parse report %s: %w", *file, err)
	}

	engine, _, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	result, err := engine.IngestReport(report)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	taskID := fs.String("task-id", "", "task id (required)")
	pass := fs.Bool("pass", false, "mark the task as passing validation")
	fail := fs.Bool("fail", false, "mark the task as failing validation")
	notes := fs.String("notes", "", "validation notes (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("-task-id is required")
	}
	if *pass == *fail {
		return fmt.Errorf("exactly one of -pass or -fail is required")
	}
	if *notes == "" {
		return fmt.Errorf("-notes is required")
	}

	engine, pol, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	result, err := engine.ValidateTask(*taskID, *pass, *notes, pol.Manager())
	if err != nil {
		return err
	}
	return printJSON(result)
}

func cmdDecideArchitecture(args []string) error {
	fs := flag.NewFlagSet("decide-architecture", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	topic := fs.String("topic", "", "decision topic (required)")
	votes := fs.String("votes", "", "JSON object of voter → option (required)")
	rationale := fs.String("rationale", "", "JSON object of voter → rationale")
	var options stringList
	fs.Var(&options, "option", "candidate option (repeatable, required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return fmt.Errorf("-topic is required")
	}
	if len(options) == 0 {
		return fmt.Errorf("at least one -option is required")
	}
	voteMap, err := parseStringMap(*votes, "-votes")
	if err != nil {
		return err
	}
	if voteMap == nil {
		return fmt.Errorf("-votes is required")
	}
	rationaleMap, err := parseStringMap(*rationale, "-rationale")
	if err != nil {
		return err
	}

	engine, _, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}
	path, err := engine.RecordArchitectureDecision(*topic, options, voteMap, rationaleMap)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func parseStringMap(raw, flagName string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object of strings: %v", flagName, err)
	}
	return out, nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	root, policyPath := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	engine, pol, err := openEngine(*root, *policyPath)
	if err != nil {
		return err
	}

	tasks, err := engine.ListTasks()
	if err != nil {
		return err
	}
	bugs, err := engine.ListBugs("", "")
	if err != nil {
		return err
	}
	agents, err := engine.ListAgents(orchestrator.ListAgentsOptions{ActiveOnly: true})
	if err != nil {
		return err
	}

	byStatus := map[string]int{}
	for _, task := range tasks {
		byStatus[task.Status]++
	}
	activeAgents := []string{}
	for _, agent := range agents {
		activeAgents = append(activeAgents, agent.Agent)
	}

	return printJSON(map[string]interface{}{
		"root":               engine.Root(),
		"policy_name":        pol.Name,
		"manager":            engine.ManagerAgent(),
		"task_count":         len(tasks),
		"task_status_counts": byStatus,
		"bug_count":          len(bugs),
		"active_agents":      activeAgents,
	})
}
