package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"zerg/internal/events"
	"zerg/internal/graph"
	"zerg/internal/worker"
)

// SpawnRequest describes one worker launch.
type SpawnRequest struct {
	WorkerID  string
	Task      *graph.Task
	Workspace string
	LogDir    string
}

// Handle tracks one running worker. The result arrives on Done exactly
// once; Kill requests termination (soft, then hard after the grace
// period).
type Handle struct {
	WorkerID string
	PID      int
	Done     <-chan worker.Result
	Kill     func(grace time.Duration)
}

// Spawner launches workers. The process spawner runs the worker binary;
// the in-process spawner runs the task on a goroutine for tests and
// single-binary deployments.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*Handle, error)
}

// HeartbeatPath returns the per-worker heartbeat file workers touch at
// each TDD step.
func HeartbeatPath(logDir, workerID string) string {
	return filepath.Join(logDir, "workers", workerID+".heartbeat")
}

// TouchHeartbeat updates the worker's heartbeat file.
func TouchHeartbeat(logDir, workerID string) {
	path := HeartbeatPath(logDir, workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		_ = os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)), 0o644)
	}
}

// HeartbeatAge returns how long ago the worker last beat; ok is false
// when no heartbeat was ever recorded.
func HeartbeatAge(logDir, workerID string) (time.Duration, bool) {
	info, err := os.Stat(HeartbeatPath(logDir, workerID))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

// InProcessSpawner executes workers on goroutines inside the orchestrator
// process.
type InProcessSpawner struct {
	// NewAuthor builds the author for a task; required.
	NewAuthor func(req SpawnRequest) worker.Author
	// Executor overrides the default shell executor; optional.
	Executor worker.Executor
}

// Spawn runs the task's worker on a goroutine and resolves Done with its
// result. Kill cancels the worker's context; the task is then reported
// crashed.
func (s *InProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (*Handle, error) {
	executor := s.Executor
	if executor == nil {
		executor = worker.NewShellExecutor()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan worker.Result, 1)

	eventsWriter, err := events.NewWorkerWriter(req.LogDir, req.WorkerID)
	if err != nil {
		cancel()
		return nil, err
	}

	runner := &worker.Runner{
		Task:         req.Task,
		Workspace:    req.Workspace,
		Executor:     executor,
		Author:       s.NewAuthor(req),
		Events:       eventsWriter,
		Heartbeat:    func() { TouchHeartbeat(req.LogDir, req.WorkerID) },
		ArtifactsDir: filepath.Join(req.LogDir, "tasks", req.Task.ID),
	}

	go func() {
		defer eventsWriter.Close()
		defer cancel()
		result := runner.Run(workerCtx)
		if workerCtx.Err() != nil && result.Kind != worker.Completed {
			result.Kind = worker.Crashed
			if result.Error == "" {
				result.Error = "worker canceled"
			}
		}
		done <- result
	}()

	return &Handle{
		WorkerID: req.WorkerID,
		PID:      os.Getpid(),
		Done:     done,
		Kill:     func(time.Duration) { cancel() },
	}, nil
}
