package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func minimalGraph() *Graph {
	return &Graph{
		Feature: "demo",
		Tasks: []*Task{
			{ID: "T1.1", Title: "First", Level: 1, Verification: Verification{Command: "true"}},
			{ID: "T1.2", Title: "Second", Level: 1, Verification: Verification{Command: "true"}},
			{ID: "T2.1", Title: "Third", Level: 2, Dependencies: []string{"T1.1"}, Verification: Verification{Command: "true"}},
		},
	}
}

func TestGraph_Validate(t *testing.T) {
	g := minimalGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestGraph_Validate_UnknownDependency(t *testing.T) {
	g := minimalGraph()
	g.Tasks[2].Dependencies = []string{"T9.9"}

	err := g.Validate()
	if err == nil {
		t.Fatal("Expected error for unknown dependency, got nil")
	}
	if !strings.Contains(err.Error(), "unknown dependency") {
		t.Errorf("Expected unknown dependency error, got: %v", err)
	}
}

func TestGraph_Validate_DependencyLevelNotLower(t *testing.T) {
	g := minimalGraph()
	// T1.2 depending on T1.1 violates the strict level ordering
	g.Tasks[1].Dependencies = []string{"T1.1"}

	if err := g.Validate(); err == nil {
		t.Error("Expected error for same-level dependency, got nil")
	}
}

func TestGraph_Validate_DuplicateID(t *testing.T) {
	g := minimalGraph()
	g.Tasks = append(g.Tasks, &Task{ID: "T1.1", Level: 1})

	if err := g.Validate(); err == nil {
		t.Error("Expected error for duplicate id, got nil")
	}
}

func TestGraph_Validate_LevelBelowOne(t *testing.T) {
	g := minimalGraph()
	g.Tasks[0].Level = 0

	if err := g.Validate(); err == nil {
		t.Error("Expected error for level 0, got nil")
	}
}

func TestGraph_Validate_TaskCountMismatch(t *testing.T) {
	g := minimalGraph()
	g.TaskCount = 7

	if err := g.Validate(); err == nil {
		t.Error("Expected error for task_count mismatch, got nil")
	}
}

func TestGraph_DetectCycle(t *testing.T) {
	// Levels deliberately corrupted so only the DFS catches the cycle.
	g := &Graph{
		Feature: "cyclic",
		Tasks: []*Task{
			{ID: "a", Level: 1, Dependencies: []string{"c"}},
			{ID: "b", Level: 2, Dependencies: []string{"a"}},
			{ID: "c", Level: 3, Dependencies: []string{"b"}},
		},
	}
	g.byID = map[string]*Task{"a": g.Tasks[0], "b": g.Tasks[1], "c": g.Tasks[2]}

	cycle := g.detectCycle()
	if cycle == nil {
		t.Fatal("Expected cycle, got nil")
	}
	if len(cycle) < 3 {
		t.Errorf("Expected cycle path of at least 3 nodes, got %v", cycle)
	}
}

func TestGraph_TasksAtLevel_DispatchOrder(t *testing.T) {
	g := &Graph{
		Feature: "order",
		Tasks: []*Task{
			{ID: "c", Level: 1, EstimateMinutes: 5},
			{ID: "b", Level: 1, EstimateMinutes: 30},
			{ID: "a", Level: 1, EstimateMinutes: 5},
			{ID: "d", Level: 1, EstimateMinutes: 1, CriticalPath: true},
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tasks := g.TasksAtLevel(1)
	got := make([]string, len(tasks))
	for i, task := range tasks {
		got[i] = task.ID
	}

	// critical path first, then longest estimate, then id
	want := []string{"d", "b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected dispatch order %v, got %v", want, got)
		}
	}
}

func TestGraph_LevelNumbers(t *testing.T) {
	g := minimalGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	levels := g.LevelNumbers()
	if len(levels) != 2 || levels[0] != 1 || levels[1] != 2 {
		t.Errorf("Expected levels [1 2], got %v", levels)
	}
	if g.MaxLevel() != 2 {
		t.Errorf("Expected max level 2, got %d", g.MaxLevel())
	}
}

func TestTask_TimeoutDefault(t *testing.T) {
	task := &Task{ID: "t", Level: 1}
	if task.Timeout() != DefaultVerificationTimeout {
		t.Errorf("Expected default timeout %d, got %d", DefaultVerificationTimeout, task.Timeout())
	}

	task.Verification.TimeoutSeconds = 120
	if task.Timeout() != 120 {
		t.Errorf("Expected timeout 120, got %d", task.Timeout())
	}
}

func TestLoad_FromFile(t *testing.T) {
	doc := `{
		"feature": "auth",
		"version": "1",
		"schema_version": 1,
		"task_count": 2,
		"tasks": [
			{"id": "T1.1", "title": "Token store", "level": 1,
			 "files": {"create": ["store.go"]},
			 "verification": {"command": "go test ./...", "timeout_seconds": 60},
			 "estimate_minutes": 20, "critical_path": true},
			{"id": "T2.1", "title": "Login handler", "level": 2,
			 "dependencies": ["T1.1"],
			 "files": {"create": ["login.go"]},
			 "verification": {"command": "go test ./...", "timeout_seconds": 60},
			 "estimate_minutes": 30, "critical_path": false}
		],
		"levels": {
			"1": {"name": "Foundation", "tasks": ["T1.1"], "parallel": true, "estimate_minutes": 20},
			"2": {"name": "Handlers", "tasks": ["T2.1"], "parallel": true, "estimate_minutes": 30, "depends_on_levels": [1]}
		}
	}`
	path := filepath.Join(t.TempDir(), "task-graph.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if g.Feature != "auth" {
		t.Errorf("Expected feature 'auth', got %q", g.Feature)
	}
	task, ok := g.Task("T2.1")
	if !ok {
		t.Fatal("T2.1 not found")
	}
	if task.Level != 2 || !g.Tasks[0].CriticalPath {
		t.Error("Task fields not decoded correctly")
	}
}

func TestLoad_RejectsInvalidGraph(t *testing.T) {
	doc := `{"feature": "bad", "tasks": [
		{"id": "x", "level": 2, "dependencies": ["y"]},
		{"id": "y", "level": 2}
	]}`
	path := filepath.Join(t.TempDir(), "task-graph.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error, got nil")
	}
}
