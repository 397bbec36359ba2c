package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// FilePlan lists the files a task is allowed to touch.
// The three sets are disjoint by construction of the planner.
type FilePlan struct {
	Create []string `json:"create,omitempty"`
	Modify []string `json:"modify,omitempty"`
	Read   []string `json:"read,omitempty"`
}

// Verification is the contract a task must satisfy before it is complete.
type Verification struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// VerifyMode describes how a step's command result is interpreted.
type VerifyMode string

const (
	VerifyExitCode        VerifyMode = "exit_code"         // zero exit required
	VerifyExitCodeNonzero VerifyMode = "exit_code_nonzero" // non-zero exit required (verify_fail)
	VerifyNone            VerifyMode = "none"
)

// StepAction identifies one phase of the TDD cycle in a step list.
type StepAction string

const (
	StepWriteTest  StepAction = "write_test"
	StepVerifyFail StepAction = "verify_fail"
	StepImplement  StepAction = "implement"
	StepVerifyPass StepAction = "verify_pass"
	StepFormat     StepAction = "format"
	StepCommit     StepAction = "commit"
)

// Step is one entry in a task's optional pre-generated step list.
type Step struct {
	Step        int        `json:"step"`
	Action      StepAction `json:"action"`
	File        string     `json:"file,omitempty"`
	CodeSnippet string     `json:"code_snippet,omitempty"`
	Run         string     `json:"run,omitempty"`
	Verify      VerifyMode `json:"verify"`
}

// Task is one node of the graph. Immutable for the duration of a run.
type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Level           int          `json:"level"`
	Dependencies    []string     `json:"dependencies,omitempty"`
	Files           FilePlan     `json:"files"`
	Verification    Verification `json:"verification"`
	Steps           []Step       `json:"steps,omitempty"`
	EstimateMinutes int          `json:"estimate_minutes"`
	CriticalPath    bool         `json:"critical_path"`
}

// Level groups the tasks that may run in parallel once every lower level closed.
type Level struct {
	Name            string   `json:"name"`
	Tasks           []string `json:"tasks"`
	Parallel        bool     `json:"parallel"`
	EstimateMinutes int      `json:"estimate_minutes"`
	DependsOnLevels []int    `json:"depends_on_levels,omitempty"`
}

// Graph is the immutable task graph seeding a run.
type Graph struct {
	Feature       string           `json:"feature"`
	Version       string           `json:"version"`
	SchemaVersion int              `json:"schema_version"`
	TaskCount     int              `json:"task_count"`
	Tasks         []*Task          `json:"tasks"`
	Levels        map[string]Level `json:"levels"`

	byID map[string]*Task
}

// Load reads and validates a task graph file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task graph: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a task graph document.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse task graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the structural invariants: every dependency resolves,
// dependency levels are strictly lower, and the graph is acyclic.
func (g *Graph) Validate() error {
	if g.Feature == "" {
		return fmt.Errorf("task graph missing feature name")
	}
	g.byID = make(map[string]*Task, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := g.byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		if t.Level < 1 {
			return fmt.Errorf("task %s: level must be >= 1, got %d", t.ID, t.Level)
		}
		if t.Verification.TimeoutSeconds < 0 {
			return fmt.Errorf("task %s: negative verification timeout", t.ID)
		}
		g.byID[t.ID] = t
	}
	if g.TaskCount != 0 && g.TaskCount != len(g.Tasks) {
		return fmt.Errorf("task_count %d does not match %d tasks", g.TaskCount, len(g.Tasks))
	}
	for _, t := range g.Tasks {
		for _, depID := range t.Dependencies {
			dep, ok := g.byID[depID]
			if !ok {
				return fmt.Errorf("task %s: unknown dependency %q", t.ID, depID)
			}
			if dep.Level >= t.Level {
				return fmt.Errorf("task %s (level %d): dependency %s is at level %d, must be strictly lower", t.ID, t.Level, depID, dep.Level)
			}
		}
	}
	for name, lvl := range g.Levels {
		if _, err := strconv.Atoi(name); err != nil {
			return fmt.Errorf("level key %q is not a number", name)
		}
		for _, id := range lvl.Tasks {
			if _, ok := g.byID[id]; !ok {
				return fmt.Errorf("level %s references unknown task %q", name, id)
			}
		}
	}
	if cycle := g.detectCycle(); cycle != nil {
		return fmt.Errorf("circular dependency detected: %v", cycle)
	}
	return nil
}

// detectCycle runs a DFS over the dependency edges and returns the first
// cycle found, or nil. Level validation already rules cycles out, but a
// graph with corrupted level numbers still gets a precise error here.
func (g *Graph) detectCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycle []string

	var dfs func(id string, path []string) bool
	dfs = func(id string, path []string) bool {
		visited[id] = true
		onStack[id] = true
		current := append(path, id)

		t := g.byID[id]
		for _, depID := range t.Dependencies {
			if _, ok := g.byID[depID]; !ok {
				continue
			}
			if !visited[depID] {
				if dfs(depID, current) {
					return true
				}
			} else if onStack[depID] {
				start := 0
				for i, pid := range current {
					if pid == depID {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, current[start:]...), depID)
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for id := range g.byID {
		if !visited[id] {
			if dfs(id, nil) {
				return cycle
			}
		}
	}
	return nil
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// MaxLevel returns the highest level number present in the graph.
func (g *Graph) MaxLevel() int {
	max := 0
	for _, t := range g.Tasks {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}

// TasksAtLevel returns the tasks of one level in dispatch order.
func (g *Graph) TasksAtLevel(level int) []*Task {
	var tasks []*Task
	for _, t := range g.Tasks {
		if t.Level == level {
			tasks = append(tasks, t)
		}
	}
	SortForDispatch(tasks)
	return tasks
}

// LevelNumbers returns the sorted, distinct level numbers in the graph.
func (g *Graph) LevelNumbers() []int {
	seen := make(map[int]bool)
	var levels []int
	for _, t := range g.Tasks {
		if !seen[t.Level] {
			seen[t.Level] = true
			levels = append(levels, t.Level)
		}
	}
	sort.Ints(levels)
	return levels
}

// SortForDispatch orders simultaneously-pending tasks: critical-path tasks
// first, then longest estimate first, then by id for a stable order.
func SortForDispatch(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.CriticalPath != b.CriticalPath {
			return a.CriticalPath
		}
		if a.EstimateMinutes != b.EstimateMinutes {
			return a.EstimateMinutes > b.EstimateMinutes
		}
		return a.ID < b.ID
	})
}

// Timeout returns the task's verification timeout, applying the default.
func (t *Task) Timeout() int {
	if t.Verification.TimeoutSeconds > 0 {
		return t.Verification.TimeoutSeconds
	}
	return DefaultVerificationTimeout
}

// DefaultVerificationTimeout is applied when a task does not set one.
const DefaultVerificationTimeout = 60
