package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"zerg/internal/graph"
	"zerg/internal/lockfile"
	"zerg/internal/state"
	"zerg/internal/worker"
)

// scenarioGraph builds the four-task graph used throughout: two
// independent tasks at level 1, two dependent tasks at level 2.
func scenarioGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := &graph.Graph{
		Feature: "demo",
		Tasks: []*graph.Task{
			{ID: "T1.1", Title: "Token store", Level: 1, Verification: graph.Verification{Command: "verify-T1.1"}},
			{ID: "T1.2", Title: "Config schema", Level: 1, Verification: graph.Verification{Command: "verify-T1.2"}},
			{ID: "T2.1", Title: "Login handler", Level: 2, Dependencies: []string{"T1.1"}, Verification: graph.Verification{Command: "verify-T2.1"}},
			{ID: "T2.2", Title: "Session refresh", Level: 2, Dependencies: []string{"T1.1", "T1.2"}, Verification: graph.Verification{Command: "verify-T2.2"}},
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("scenario graph invalid: %v", err)
	}
	return g
}

type harness struct {
	orch    *Orchestrator
	store   *state.Store
	lock    *lockfile.Lock
	logDir  string
	feature string
}

func newHarness(t *testing.T, g *graph.Graph, executor worker.Executor, narration string) *harness {
	t.Helper()

	root := t.TempDir()
	store, err := state.NewStore(filepath.Join(root, "state"))
	if err != nil {
		t.Fatal(err)
	}
	lock := lockfile.New(filepath.Join(root, "specs", g.Feature))
	logDir := filepath.Join(root, "logs", g.Feature)

	if executor == nil {
		executor = &worker.MockExecutor{}
	}
	if narration == "" {
		narration = "verification transcript recorded"
	}
	spawner := &InProcessSpawner{
		Executor: executor,
		NewAuthor: func(SpawnRequest) worker.Author {
			return &worker.MockAuthor{Narration: narration}
		},
	}

	cfg := Config{
		Feature:     g.Feature,
		Workspace:   root,
		Workers:     5,
		RetryBudget: 3,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &harness{
		orch:    New(cfg, g, store, lock, spawner, nil, logDir),
		store:   store,
		lock:    lock,
		logDir:  logDir,
		feature: g.Feature,
	}
}

func firstTransition(tr *state.TaskRecord, status state.TaskStatus) time.Time {
	for _, tran := range tr.Transitions {
		if tran.Status == status {
			return tran.At
		}
	}
	return time.Time{}
}

func lastTransition(tr *state.TaskRecord, status state.TaskStatus) time.Time {
	var at time.Time
	for _, tran := range tr.Transitions {
		if tran.Status == status {
			at = tran.At
		}
	}
	return at
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t, scenarioGraph(t), nil, "")

	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	record, err := h.store.Load(h.feature)
	if err != nil {
		t.Fatal(err)
	}
	if record.State != state.RunComplete {
		t.Fatalf("Expected COMPLETE, got %s (%s)", record.State, record.Error)
	}
	if record.Totals.Completed != 4 {
		t.Errorf("Expected 4 completed tasks, got %d", record.Totals.Completed)
	}
	for id, tr := range record.Tasks {
		if tr.Status != state.TaskComplete {
			t.Errorf("Task %s: expected complete, got %s", id, tr.Status)
		}
	}
	if len(record.Workers) != 0 {
		t.Errorf("Expected worker records to be garbage-collected, got %d", len(record.Workers))
	}
}

func TestOrchestrator_LevelBarrier(t *testing.T) {
	// T1.2's green verification takes a while; no level-2 task may be
	// claimed before every level-1 task is terminal.
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		if call == 1 {
			return worker.VerificationResult{Command: command, ExitCode: 1}
		}
		if command == "verify-T1.2" {
			time.Sleep(150 * time.Millisecond)
		}
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "")

	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	record, _ := h.store.Load(h.feature)
	if record.State != state.RunComplete {
		t.Fatalf("Expected COMPLETE, got %s", record.State)
	}

	var levelOneClosed time.Time
	for _, id := range []string{"T1.1", "T1.2"} {
		done := lastTransition(record.Tasks[id], state.TaskComplete)
		if done.After(levelOneClosed) {
			levelOneClosed = done
		}
	}
	for _, id := range []string{"T2.1", "T2.2"} {
		claimed := firstTransition(record.Tasks[id], state.TaskClaimed)
		if claimed.IsZero() {
			t.Fatalf("Task %s was never claimed", id)
		}
		if claimed.Before(levelOneClosed) {
			t.Errorf("Task %s claimed at %v before level 1 closed at %v", id, claimed, levelOneClosed)
		}
	}
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	// T1.1: attempt 1 red fails (call 1), green fails (call 2);
	// attempt 2 red fails (call 3), green passes (call 4).
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		if command == "verify-T1.1" {
			if call < 4 {
				return worker.VerificationResult{Command: command, ExitCode: 1, Output: "FAIL"}
			}
			return worker.VerificationResult{Command: command, ExitCode: 0}
		}
		if call == 1 {
			return worker.VerificationResult{Command: command, ExitCode: 1}
		}
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "")

	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	record, _ := h.store.Load(h.feature)
	if record.State != state.RunComplete {
		t.Fatalf("Expected COMPLETE, got %s (%s)", record.State, record.Error)
	}
	if got := record.Tasks["T1.1"].RetryCount; got != 1 {
		t.Errorf("Expected retry count 1 for T1.1, got %d", got)
	}
	if record.Totals.Retried != 1 {
		t.Errorf("Expected 1 retry in totals, got %d", record.Totals.Retried)
	}
}

func TestOrchestrator_PermanentFailure(t *testing.T) {
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		if command == "verify-T1.1" {
			return worker.VerificationResult{Command: command, ExitCode: 1, Output: "FAIL"}
		}
		if call == 1 {
			return worker.VerificationResult{Command: command, ExitCode: 1}
		}
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "")

	err := h.orch.Start(context.Background(), false)
	if err == nil {
		t.Fatal("Expected the run to fail")
	}

	record, _ := h.store.Load(h.feature)
	if record.State != state.RunFailed {
		t.Fatalf("Expected FAILED, got %s", record.State)
	}
	tr := record.Tasks["T1.1"]
	if tr.Status != state.TaskFailed {
		t.Errorf("Expected T1.1 failed, got %s", tr.Status)
	}
	// budget of 3 attempts = 2 retries
	if tr.RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", tr.RetryCount)
	}
	// No level-2 task may ever have been claimed.
	for _, id := range []string{"T2.1", "T2.2"} {
		if !firstTransition(record.Tasks[id], state.TaskClaimed).IsZero() {
			t.Errorf("Task %s was claimed despite level 1 never closing", id)
		}
		if record.Tasks[id].Status != state.TaskPending {
			t.Errorf("Task %s: expected pending, got %s", id, record.Tasks[id].Status)
		}
	}
}

func TestOrchestrator_CrashResume(t *testing.T) {
	g := scenarioGraph(t)
	h := newHarness(t, g, nil, "")

	// Seed the store as an interrupted run would have left it: T1.1 was
	// in progress under a worker whose process is gone.
	record := state.NewRunRecord(g.Feature)
	record.State = state.RunRunning
	record.CurrentLevel = 1
	now := time.Now().UTC()
	for _, task := range g.Tasks {
		tr := &state.TaskRecord{Level: task.Level}
		tr.Transition(state.TaskPending, now)
		record.Tasks[task.ID] = tr
	}
	record.Tasks["T1.1"].Transition(state.TaskClaimed, now)
	record.Tasks["T1.1"].Transition(state.TaskInProgress, now)
	record.Tasks["T1.1"].Worker = "worker-9"
	record.Workers["worker-9"] = &state.WorkerRecord{
		ID: "worker-9", Status: state.WorkerBusy, TaskID: "T1.1", PID: 999999, StartedAt: now, LastHeartbeat: now,
	}
	if err := h.store.Save(g.Feature, record); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Start(context.Background(), true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	final, _ := h.store.Load(g.Feature)
	if final.State != state.RunComplete {
		t.Fatalf("Expected COMPLETE after resume, got %s (%s)", final.State, final.Error)
	}

	// The interrupted task reverted to pending exactly once, then
	// completed without consuming retry budget.
	tr := final.Tasks["T1.1"]
	if tr.Status != state.TaskComplete {
		t.Fatalf("Expected T1.1 complete, got %s", tr.Status)
	}
	if tr.RetryCount != 0 {
		t.Errorf("Resume recovery must not charge the retry budget, got %d", tr.RetryCount)
	}
	reverts := 0
	for i := 1; i < len(tr.Transitions); i++ {
		if tr.Transitions[i].Status == state.TaskPending && tr.Transitions[i-1].Status == state.TaskInProgress {
			reverts++
		}
	}
	if reverts != 1 {
		t.Errorf("Expected exactly one in_progress->pending revert, got %d", reverts)
	}
	if final.Totals.Completed != 4 {
		t.Errorf("No task may be double-counted: expected 4 completed, got %d", final.Totals.Completed)
	}
}

func TestOrchestrator_ResumeWithoutRecordFails(t *testing.T) {
	h := newHarness(t, scenarioGraph(t), nil, "")
	if err := h.orch.Start(context.Background(), true); err == nil {
		t.Fatal("Expected resume without a record to fail")
	}
}

func TestOrchestrator_ForbiddenPhrase(t *testing.T) {
	// Valid certificates, passing verifications, but the narration
	// claims instead of proving. Each attempt's red run fails and its green
	// run passes, so every retry carries a valid certificate too.
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		if call%2 == 1 {
			return worker.VerificationResult{Command: command, ExitCode: 1}
		}
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "implemented everything, looks good to me")

	err := h.orch.Start(context.Background(), false)
	if err == nil {
		t.Fatal("Expected the run to fail")
	}

	record, _ := h.store.Load(h.feature)
	if record.State != state.RunFailed {
		t.Fatalf("Expected FAILED, got %s", record.State)
	}
	for _, id := range []string{"T1.1", "T1.2"} {
		tr := record.Tasks[id]
		if tr.Status == state.TaskComplete {
			t.Errorf("Task %s accepted despite forbidden phrase", id)
		}
		if !strings.Contains(tr.LastError, "forbidden phrase") {
			t.Errorf("Task %s: expected forbidden phrase error, got %q", id, tr.LastError)
		}
		// Retried per policy before failing permanently.
		if tr.RetryCount != 2 {
			t.Errorf("Task %s: expected exhausted retries (2), got %d", id, tr.RetryCount)
		}
	}
}

func TestOrchestrator_ProtocolViolationNotRetried(t *testing.T) {
	// Every verification passes, so the red phase never fails and the
	// worker reports a protocol violation. That is a worker bug, not a
	// transient fault: no retry.
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "")

	if err := h.orch.Start(context.Background(), false); err == nil {
		t.Fatal("Expected the run to fail")
	}

	record, _ := h.store.Load(h.feature)
	for _, id := range []string{"T1.1", "T1.2"} {
		tr := record.Tasks[id]
		if tr.Status != state.TaskFailed {
			t.Errorf("Task %s: expected failed, got %s", id, tr.Status)
		}
		if tr.RetryCount != 0 {
			t.Errorf("Task %s: protocol violations must not be retried, got %d retries", id, tr.RetryCount)
		}
	}
}

func TestOrchestrator_LockRefusal(t *testing.T) {
	g := scenarioGraph(t)
	h := newHarness(t, g, nil, "")

	// Another orchestrator holds an active lock.
	if err := os.MkdirAll(filepath.Dir(h.lock.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("99999:%d", time.Now().Unix())
	if err := os.WriteFile(h.lock.Path(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	err := h.orch.Start(context.Background(), false)
	if err == nil {
		t.Fatal("Expected start to refuse while the lock is held")
	}
	if !strings.Contains(err.Error(), "locked") {
		t.Errorf("Expected lock error, got: %v", err)
	}
}

func TestOrchestrator_ReleasesLockOnExit(t *testing.T) {
	h := newHarness(t, scenarioGraph(t), nil, "")
	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if holder := h.lock.Check(); holder != nil {
		t.Errorf("Expected lock released after the run, held by %+v", holder)
	}
}

func TestStatus_Idempotent(t *testing.T) {
	h := newHarness(t, scenarioGraph(t), nil, "")
	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	first, err := Status(h.store, h.feature, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Status(h.store, h.feature, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Repeated status calls on an unchanged store must be equal")
	}

	if first.State != state.RunComplete || len(first.Levels) != 2 {
		t.Errorf("Unexpected snapshot: %+v", first)
	}
	if first.Levels[0].Counts[state.TaskComplete] != 2 {
		t.Errorf("Expected 2 complete tasks at level 1, got %+v", first.Levels[0])
	}

	restricted, err := Status(h.store, h.feature, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(restricted.Levels) != 1 || restricted.Levels[0].Level != 2 {
		t.Errorf("Level filter failed: %+v", restricted.Levels)
	}
}

func TestStatus_UnknownFeatureIsIdle(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Status(store, "ghost", 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != state.RunIdle {
		t.Errorf("Expected IDLE for unknown feature, got %s", snap.State)
	}
}

func TestRetryTasks_RequeuesFailed(t *testing.T) {
	executor := &worker.MockExecutor{Script: func(command string, call int) worker.VerificationResult {
		if command == "verify-T1.1" && call <= 6 {
			return worker.VerificationResult{Command: command, ExitCode: 1, Output: "FAIL"}
		}
		if call%2 == 1 {
			return worker.VerificationResult{Command: command, ExitCode: 1}
		}
		return worker.VerificationResult{Command: command, ExitCode: 0}
	}}
	h := newHarness(t, scenarioGraph(t), executor, "")

	if err := h.orch.Start(context.Background(), false); err == nil {
		t.Fatal("Expected first run to fail")
	}

	retried, err := RetryTasks(h.store, h.lock, h.feature, "", true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(retried) != 1 || retried[0] != "T1.1" {
		t.Fatalf("Expected [T1.1], got %v", retried)
	}

	record, _ := h.store.Load(h.feature)
	if record.State != state.RunIdle {
		t.Errorf("Expected IDLE after retry, got %s", record.State)
	}
	tr := record.Tasks["T1.1"]
	if tr.Status != state.TaskPending {
		t.Errorf("Expected pending, got %s", tr.Status)
	}
	// Monotonicity: the counter survives the operator retry.
	if tr.RetryCount != 2 {
		t.Errorf("Retry counters must never decrease, got %d", tr.RetryCount)
	}
}

func TestRetryTasks_Errors(t *testing.T) {
	h := newHarness(t, scenarioGraph(t), nil, "")
	if err := h.orch.Start(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if _, err := RetryTasks(h.store, h.lock, h.feature, "T1.1", false); err == nil {
		t.Error("Expected error retrying a completed task")
	}
	if _, err := RetryTasks(h.store, h.lock, h.feature, "missing", false); err == nil {
		t.Error("Expected error for unknown task")
	}
	if _, err := RetryTasks(h.store, h.lock, "ghost", "", true); err == nil {
		t.Error("Expected error for unknown feature")
	}
}
