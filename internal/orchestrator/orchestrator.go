// Package orchestrator owns the run: it assigns tasks level by level,
// enforces the level barrier, applies worker results, and checkpoints the
// run record after every state transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zerg/internal/events"
	"zerg/internal/graph"
	"zerg/internal/lockfile"
	"zerg/internal/state"
	"zerg/internal/telemetry"
	"zerg/internal/worker"
)

// ErrLocked is returned when another orchestrator holds the feature lock.
var ErrLocked = errors.New("feature is locked by another orchestrator")

// Config carries the explicit context the orchestrator runs with. Tests
// instantiate fresh configs; there are no process-wide singletons.
type Config struct {
	Feature            string
	Workspace          string
	Workers            int
	RetryBudget        int // attempts including the first
	HeartbeatStaleness time.Duration
	StopGrace          time.Duration
	Logger             *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.HeartbeatStaleness <= 0 {
		c.HeartbeatStaleness = 90 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// active tracks one in-flight worker.
type active struct {
	handle *Handle
	taskID string
	killed bool
}

// Orchestrator drives one feature's run. State transitions are applied on
// a single goroutine; workers only communicate through their result
// values.
type Orchestrator struct {
	cfg     Config
	graph   *graph.Graph
	store   *state.Store
	lock    *lockfile.Lock
	spawner Spawner
	merger  LevelMerger
	logger  *slog.Logger
	logDir  string

	mu        sync.Mutex
	run       *state.RunRecord
	events    *events.Writer
	active    map[string]*active // worker id -> in-flight task
	workerSeq int
	stopSoft  bool
	stopHard  bool
	wake      chan struct{}
}

// New wires an orchestrator for a feature.
func New(cfg Config, g *graph.Graph, store *state.Store, lock *lockfile.Lock, spawner Spawner, merger LevelMerger, logDir string) *Orchestrator {
	cfg.applyDefaults()
	if merger == nil {
		merger = NopLevelMerger{}
	}
	return &Orchestrator{
		cfg:     cfg,
		graph:   g,
		store:   store,
		lock:    lock,
		spawner: spawner,
		merger:  merger,
		logger:  cfg.Logger.With("feature", cfg.Feature),
		logDir:  logDir,
		active:  make(map[string]*active),
		wake:    make(chan struct{}, 1),
	}
}

// Run returns the orchestrator's in-memory record; nil before Start.
func (o *Orchestrator) Run() *state.RunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

// Start acquires the feature lock, seeds or resumes the run record, and
// drives the level barrier until the run terminates. It blocks for the
// duration of the run.
func (o *Orchestrator) Start(ctx context.Context, resume bool) error {
	ok, err := o.lock.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire feature lock: %w", err)
	}
	if !ok {
		holder := o.lock.Check()
		if holder != nil {
			return fmt.Errorf("%w: pid %d, held for %.0fs", ErrLocked, holder.PID, holder.AgeSeconds)
		}
		return ErrLocked
	}
	defer o.lock.Release()

	writer, err := events.NewOrchestratorWriter(o.logDir)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer writer.Close()
	o.events = writer

	if err := o.initRun(resume); err != nil {
		return err
	}

	o.events.Info(events.KindRunStarted, "", fmt.Sprintf("run started with %d workers", o.cfg.Workers), map[string]any{
		"workers": o.cfg.Workers,
		"resume":  resume,
	})
	o.logger.Info("run started", "workers", o.cfg.Workers, "resume", resume)

	return o.loop(ctx)
}

// initRun loads or creates the record and prepares every task entry.
func (o *Orchestrator) initRun(resume bool) error {
	record, err := o.store.Load(o.cfg.Feature)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if record == nil {
		if resume {
			return fmt.Errorf("no run record to resume for feature %q", o.cfg.Feature)
		}
		record = state.NewRunRecord(o.cfg.Feature)
	}
	o.run = record

	now := time.Now().UTC()
	for _, t := range o.graph.Tasks {
		if _, ok := record.Tasks[t.ID]; !ok {
			tr := &state.TaskRecord{Level: t.Level}
			tr.Transition(state.TaskPending, now)
			record.Tasks[t.ID] = tr
		} else {
			record.Tasks[t.ID].Level = t.Level
		}
	}

	if resume {
		o.recoverLocked(now)
	}

	record.State = state.RunRunning
	record.Paused = false
	record.Error = ""
	telemetry.CurrentLevel.WithLabelValues(o.cfg.Feature).Set(float64(record.CurrentLevel))

	return o.checkpointLocked()
}

// loop is the level barrier: drain the lowest open level, close it, merge,
// advance. Only this goroutine mutates the run record while running.
func (o *Orchestrator) loop(ctx context.Context) error {
	results := make(chan workerOutcome)
	heartbeatTick := time.NewTicker(o.cfg.HeartbeatStaleness / 3)
	defer heartbeatTick.Stop()

	for {
		o.mu.Lock()

		if o.stopHard {
			o.killAllLocked()
		}

		if o.run.State == state.RunFailed && len(o.active) == 0 {
			return o.finishLocked(state.RunFailed, o.run.Error)
		}
		if (o.stopSoft || o.stopHard) && len(o.active) == 0 {
			return o.finishLocked(state.RunStopped, "")
		}

		level, open := o.lowestOpenLevelLocked()
		if !open && len(o.active) == 0 {
			return o.finishLocked(state.RunComplete, "")
		}

		if open && level != o.run.CurrentLevel && len(o.active) == 0 {
			o.run.CurrentLevel = level
			telemetry.CurrentLevel.WithLabelValues(o.cfg.Feature).Set(float64(level))
			o.events.Info(events.KindLevelOpened, "", fmt.Sprintf("level %d opened", level), map[string]any{"level": level})
			o.logger.Info("level opened", "level", level)
			if err := o.checkpointLocked(); err != nil {
				return o.finishLocked(state.RunFailed, err.Error())
			}
		}

		// Dispatch pending tasks of the current level while capacity
		// remains. Higher levels never dispatch while this one is open.
		if open && !o.run.Paused && !o.stopSoft && !o.stopHard {
			for len(o.active) < o.cfg.Workers {
				task := o.nextPendingLocked(level)
				if task == nil {
					break
				}
				if err := o.dispatchLocked(ctx, task, results); err != nil {
					return o.finishLocked(state.RunFailed, err.Error())
				}
			}
		}

		// Level close: every task terminal and nothing in flight.
		if open && len(o.active) == 0 && !o.run.Paused && o.levelTerminalLocked(level) {
			if failed := o.levelFailuresLocked(level); len(failed) > 0 {
				msg := fmt.Sprintf("level %d cannot close: %d task(s) permanently failed", level, len(failed))
				o.events.Error(events.KindRunFailed, "", msg, map[string]any{"level": level, "failed": failed})
				return o.finishLocked(state.RunFailed, msg)
			}
			if err := o.closeLevelLocked(ctx, level); err != nil {
				return o.finishLocked(state.RunFailed, err.Error())
			}
			o.mu.Unlock()
			continue
		}

		// Paused or waiting on workers: idle until something changes.
		o.mu.Unlock()

		select {
		case outcome := <-results:
			o.applyOutcome(outcome)
		case <-heartbeatTick.C:
			o.checkHeartbeats()
		case <-o.wake:
		case <-ctx.Done():
			o.mu.Lock()
			o.stopSoft = true
			o.mu.Unlock()
		}
	}
}

type workerOutcome struct {
	workerID string
	pid      int
	result   worker.Result
}

// nextPendingLocked picks the next pending task at the level using the
// dispatch tie-break: critical path, longest estimate, id.
func (o *Orchestrator) nextPendingLocked(level int) *graph.Task {
	for _, t := range o.graph.TasksAtLevel(level) {
		tr := o.run.Tasks[t.ID]
		if tr.Status == state.TaskPending {
			return t
		}
	}
	return nil
}

// dispatchLocked claims the task and hands it to a worker.
func (o *Orchestrator) dispatchLocked(ctx context.Context, task *graph.Task, results chan<- workerOutcome) error {
	now := time.Now().UTC()
	o.workerSeq++
	workerID := fmt.Sprintf("worker-%d", o.workerSeq)

	// Reassignment confirmed: crashed workers that held this task are
	// released now.
	for id, w := range o.run.Workers {
		if w.TaskID == task.ID && w.Status == state.WorkerCrashed {
			delete(o.run.Workers, id)
		}
	}

	tr := o.run.Tasks[task.ID]
	tr.Transition(state.TaskClaimed, now)
	tr.Worker = workerID
	o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindTaskClaimed, TaskID: task.ID})
	o.events.Info(events.KindTaskClaimed, task.ID, fmt.Sprintf("claimed by %s", workerID), map[string]any{"worker": workerID, "level": task.Level})
	if err := o.checkpointLocked(); err != nil {
		return err
	}

	handle, err := o.spawner.Spawn(ctx, SpawnRequest{
		WorkerID:  workerID,
		Task:      task,
		Workspace: o.cfg.Workspace,
		LogDir:    o.logDir,
	})
	if err != nil {
		// Spawn failure is a retryable fault on the task, not the run.
		o.logger.Error("failed to spawn worker", "task", task.ID, "error", err)
		o.applyFailureLocked(task.ID, worker.Result{
			TaskID: task.ID,
			Kind:   worker.Crashed,
			Error:  fmt.Sprintf("failed to spawn worker: %v", err),
		})
		return o.checkpointLocked()
	}

	now = time.Now().UTC()
	tr.Transition(state.TaskInProgress, now)
	o.run.Workers[workerID] = &state.WorkerRecord{
		ID:            workerID,
		Status:        state.WorkerBusy,
		TaskID:        task.ID,
		PID:           handle.PID,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	o.active[workerID] = &active{handle: handle, taskID: task.ID}
	telemetry.ActiveWorkers.WithLabelValues(o.cfg.Feature).Set(float64(len(o.active)))
	o.events.Info(events.KindTaskStarted, task.ID, "task started", map[string]any{"worker": workerID, "pid": handle.PID})
	o.logger.Info("task dispatched", "task", task.ID, "worker", workerID, "pid", handle.PID)

	go func() {
		result := <-handle.Done
		results <- workerOutcome{workerID: handle.WorkerID, pid: handle.PID, result: result}
	}()

	return o.checkpointLocked()
}

// applyOutcome applies one worker result and checkpoints.
func (o *Orchestrator) applyOutcome(out workerOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.active[out.workerID]
	if !ok {
		return
	}
	delete(o.active, out.workerID)
	telemetry.ActiveWorkers.WithLabelValues(o.cfg.Feature).Set(float64(len(o.active)))

	taskID := entry.taskID
	result := out.result
	now := time.Now().UTC()
	tr := o.run.Tasks[taskID]

	// Force-stopped tasks were already marked stale; just retire the
	// worker record.
	if tr.Status == state.TaskStale {
		delete(o.run.Workers, out.workerID)
		_ = o.checkpointLocked()
		return
	}

	accepted := o.acceptable(taskID, &result)
	if accepted {
		tr.Transition(state.TaskComplete, now)
		tr.Worker = ""
		tr.LastError = ""
		tr.TranscriptRef = o.transcriptRef(taskID)
		o.run.Totals.Completed++
		delete(o.run.Workers, out.workerID)
		telemetry.TrackTaskCompleted(o.cfg.Feature)
		o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindTaskCompleted, TaskID: taskID})
		o.events.Info(events.KindTaskCompleted, taskID, "task completed", map[string]any{
			"worker":  out.workerID,
			"retries": tr.RetryCount,
		})
		o.logger.Info("task completed", "task", taskID, "worker", out.workerID)
	} else {
		if result.Kind == worker.Crashed {
			if w := o.run.Workers[out.workerID]; w != nil {
				w.Status = state.WorkerCrashed
			}
			telemetry.WorkerCrashesTotal.WithLabelValues(o.cfg.Feature).Inc()
			o.events.Warn(events.KindWorkerCrashed, taskID, result.Error, map[string]any{"worker": out.workerID})
		} else {
			delete(o.run.Workers, out.workerID)
		}
		o.applyFailureLocked(taskID, result)
	}

	if err := o.checkpointLocked(); err != nil {
		o.run.State = state.RunFailed
		o.run.Error = err.Error()
		o.stopHard = true
	}
	o.poke()
}

// acceptable decides whether a result may complete the task: the
// certificate's mandatory bits, a passing final verification, and a clean
// narration are all required.
func (o *Orchestrator) acceptable(taskID string, result *worker.Result) bool {
	if result.Kind != worker.Completed {
		return false
	}
	if !result.Certificate.Complete() || !result.Verification.Passed() {
		result.Kind = worker.ProtocolViolation
		if result.Error == "" {
			result.Error = "completion claimed without a valid TDD certificate"
		}
		telemetry.ProtocolViolationsTotal.WithLabelValues(o.cfg.Feature).Inc()
		return false
	}
	if phrase := worker.CheckForbiddenPhrases(result.Narration); phrase != "" {
		// A forbidden phrase downgrades the claim even with a valid
		// certificate; the task is retried like any other failure.
		result.Kind = worker.VerificationFailed
		result.Error = fmt.Sprintf("forbidden phrase in worker narration: %q", phrase)
		telemetry.ProtocolViolationsTotal.WithLabelValues(o.cfg.Feature).Inc()
		o.events.Warn(events.KindTaskFailed, taskID, result.Error, nil)
		return false
	}
	return true
}

// applyFailureLocked records a failure and schedules a retry when the
// budget allows. Attempts = RetryCount + 1; the budget counts attempts
// including the first.
func (o *Orchestrator) applyFailureLocked(taskID string, result worker.Result) {
	now := time.Now().UTC()
	tr := o.run.Tasks[taskID]

	tr.Transition(state.TaskFailed, now)
	tr.Worker = ""
	tr.LastError = result.Error
	if result.Verification.Command != "" {
		tr.TranscriptRef = o.transcriptRef(taskID)
	}
	o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindTaskFailed, TaskID: taskID, Message: result.Error})
	o.events.Warn(events.KindTaskFailed, taskID, result.Error, map[string]any{
		"kind":      string(result.Kind),
		"exit_code": result.Verification.ExitCode,
		"timed_out": result.Verification.TimedOut,
	})
	o.logger.Warn("task failed", "task", taskID, "kind", result.Kind, "error", result.Error)

	if result.Kind.Retryable() && tr.RetryCount < o.cfg.RetryBudget-1 {
		tr.RetryCount++
		tr.Transition(state.TaskPending, time.Now().UTC())
		o.run.Totals.Retried++
		telemetry.TrackRetry(o.cfg.Feature)
		o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindRetryScheduled, TaskID: taskID})
		o.events.Info(events.KindRetryScheduled, taskID, fmt.Sprintf("retry %d of %d scheduled", tr.RetryCount, o.cfg.RetryBudget-1), map[string]any{"retry_count": tr.RetryCount})
		return
	}

	o.run.Totals.Failed++
	telemetry.TrackTaskFailed(o.cfg.Feature)
}

// closeLevelLocked merges a fully-terminal level and advances.
func (o *Orchestrator) closeLevelLocked(ctx context.Context, level int) error {
	// Level-merge is a short critical section; the next level must not
	// open until it finishes.
	if err := o.merger.MergeLevel(ctx, o.cfg.Feature, level, o.cfg.Workspace); err != nil {
		o.events.Error(events.KindLevelMergeFailed, "", err.Error(), map[string]any{"level": level})
		return err
	}

	now := time.Now().UTC()
	telemetry.LevelsClosedTotal.WithLabelValues(o.cfg.Feature).Inc()
	o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindLevelClosed, Message: fmt.Sprintf("level %d closed", level)})
	o.events.Info(events.KindLevelClosed, "", fmt.Sprintf("level %d closed", level), map[string]any{"level": level})
	o.logger.Info("level closed", "level", level)
	return o.checkpointLocked()
}

// lowestOpenLevelLocked returns the lowest level with any non-terminal
// task.
func (o *Orchestrator) lowestOpenLevelLocked() (int, bool) {
	for _, level := range o.graph.LevelNumbers() {
		if !o.levelTerminalLocked(level) {
			return level, true
		}
	}
	return 0, false
}

func (o *Orchestrator) levelTerminalLocked(level int) bool {
	for _, t := range o.graph.TasksAtLevel(level) {
		if !o.run.Tasks[t.ID].Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) levelFailuresLocked(level int) []string {
	var failed []string
	for _, t := range o.graph.TasksAtLevel(level) {
		if o.run.Tasks[t.ID].Status == state.TaskFailed {
			failed = append(failed, t.ID)
		}
	}
	return failed
}

// finishLocked records the terminal run state and releases the loop. The
// caller must hold o.mu; the lock is released here.
func (o *Orchestrator) finishLocked(runState state.RunState, errMsg string) error {
	o.run.State = runState
	o.run.Paused = false
	if errMsg != "" {
		o.run.Error = errMsg
	}
	saveErr := o.checkpointLocked()

	switch runState {
	case state.RunComplete:
		o.events.Info(events.KindRunCompleted, "", "run completed", nil)
		o.logger.Info("run completed", "completed", o.run.Totals.Completed)
	case state.RunStopped:
		o.events.Info(events.KindRunStopped, "", "run stopped", nil)
		o.logger.Info("run stopped")
	case state.RunFailed:
		o.events.Error(events.KindRunFailed, "", errMsg, nil)
		o.logger.Error("run failed", "error", errMsg)
	}
	telemetry.ActiveWorkers.WithLabelValues(o.cfg.Feature).Set(0)
	o.mu.Unlock()

	if saveErr != nil {
		return saveErr
	}
	if runState == state.RunFailed && errMsg != "" {
		return errors.New(errMsg)
	}
	return nil
}

// checkpointLocked flushes the record. No state transition is acknowledged
// until the save succeeds; transient write errors retry with backoff.
func (o *Orchestrator) checkpointLocked() error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = o.store.Save(o.cfg.Feature, o.run); err == nil {
			return nil
		}
		time.Sleep(time.Duration(1<<attempt) * 50 * time.Millisecond)
	}
	return fmt.Errorf("state checkpoint failed: %w", err)
}

func (o *Orchestrator) transcriptRef(taskID string) string {
	return fmt.Sprintf("tasks/%s/verification_output.txt", taskID)
}

// poke wakes the loop without blocking.
func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pause forbids new assignments; in-flight tasks finish.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil || o.run.State != state.RunRunning {
		return fmt.Errorf("run is not active")
	}
	o.run.Paused = true
	o.run.State = state.RunPaused
	o.events.Info(events.KindRunPaused, "", "run paused", nil)
	if err := o.checkpointLocked(); err != nil {
		return err
	}
	o.poke()
	return nil
}

// Resume re-enables assignments after a pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil || !o.run.Paused {
		return fmt.Errorf("run is not paused")
	}
	o.run.Paused = false
	o.run.State = state.RunRunning
	o.events.Info(events.KindRunResumed, "", "run resumed", nil)
	if err := o.checkpointLocked(); err != nil {
		return err
	}
	o.poke()
	return nil
}

// Stop ends the run. With force=false the pool drains first; with
// force=true running workers are terminated and their tasks marked stale.
func (o *Orchestrator) Stop(force bool) {
	o.mu.Lock()
	o.stopSoft = true
	if force {
		o.stopHard = true
	}
	o.mu.Unlock()
	o.poke()
}

// killAllLocked terminates in-flight workers and marks their tasks stale.
func (o *Orchestrator) killAllLocked() {
	now := time.Now().UTC()
	for workerID, entry := range o.active {
		if entry.killed {
			continue
		}
		entry.killed = true
		tr := o.run.Tasks[entry.taskID]
		if !tr.Status.Terminal() {
			tr.Transition(state.TaskStale, now)
			tr.Worker = ""
			o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindTaskStale, TaskID: entry.taskID})
			o.events.Warn(events.KindTaskStale, entry.taskID, "task marked stale by forced stop", map[string]any{"worker": workerID})
		}
		if w := o.run.Workers[workerID]; w != nil {
			w.Status = state.WorkerRetired
		}
		entry.handle.Kill(o.cfg.StopGrace)
	}
	_ = o.checkpointLocked()
}

// checkHeartbeats kills workers whose heartbeat went stale; their tasks
// come back through the crash path.
func (o *Orchestrator) checkHeartbeats() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for workerID, entry := range o.active {
		age, ok := HeartbeatAge(o.logDir, workerID)
		if ok && age > o.cfg.HeartbeatStaleness {
			o.logger.Warn("worker heartbeat stale, killing", "worker", workerID, "task", entry.taskID, "age", age)
			o.events.Warn(events.KindWorkerCrashed, entry.taskID, "heartbeat stale", map[string]any{"worker": workerID, "age_seconds": age.Seconds()})
			entry.handle.Kill(o.cfg.StopGrace)
		} else if w := o.run.Workers[workerID]; w != nil && ok {
			w.LastHeartbeat = time.Now().UTC().Add(-age)
		}
	}
}
