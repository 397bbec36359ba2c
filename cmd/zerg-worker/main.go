// zerg-worker executes exactly one task under the TDD protocol and exits.
// The orchestrator hands the task spec over as a JSON file and reads the
// result file back; the exit code is informational only.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"zerg/internal/events"
	"zerg/internal/graph"
	"zerg/internal/orchestrator"
	"zerg/internal/telemetry"
	"zerg/internal/worker"

	"github.com/spf13/pflag"
)

func main() {
	var (
		taskPath     string
		resultPath   string
		workspace    string
		logDir       string
		workerID     string
		agentCommand string
		agentTimeout int
		verbose      bool
	)

	pflag.StringVar(&taskPath, "task", "", "Path to the task spec JSON (required)")
	pflag.StringVar(&resultPath, "result", "", "Path to write the result JSON (required)")
	pflag.StringVar(&workspace, "workspace", ".", "Feature working directory")
	pflag.StringVar(&logDir, "log-dir", "", "Feature log directory")
	pflag.StringVar(&workerID, "worker-id", "", "Worker identifier (required)")
	pflag.StringVar(&agentCommand, "agent-command", "", "Code author command invoked per TDD phase")
	pflag.IntVar(&agentTimeout, "agent-timeout", 300, "Author command timeout in seconds")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	if taskPath == "" || resultPath == "" || workerID == "" {
		fmt.Fprintln(os.Stderr, "Error: --task, --result and --worker-id are required")
		os.Exit(2)
	}

	logger := telemetry.NewLogger(verbose, "").With("worker", workerID)

	data, err := os.ReadFile(taskPath)
	if err != nil {
		logger.Error("failed to read task spec", "error", err)
		os.Exit(1)
	}
	var task graph.Task
	if err := json.Unmarshal(data, &task); err != nil {
		logger.Error("failed to parse task spec", "error", err)
		os.Exit(1)
	}

	eventsWriter, err := events.NewWorkerWriter(logDir, workerID)
	if err != nil {
		logger.Error("failed to open event stream", "error", err)
		os.Exit(1)
	}
	defer eventsWriter.Close()

	// SIGTERM from the orchestrator cancels the run; the task is then
	// reported crashed through the missing-result path.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Warn("termination requested")
		cancel()
	}()

	var author worker.Author
	if agentCommand != "" {
		author = worker.NewCommandAuthor(agentCommand, workspace, agentTimeout)
	} else {
		author = &worker.MockAuthor{Narration: "no agent command configured"}
	}

	runner := &worker.Runner{
		Task:         &task,
		Workspace:    workspace,
		Executor:     worker.NewShellExecutor(),
		Author:       author,
		Events:       eventsWriter,
		Heartbeat:    func() { orchestrator.TouchHeartbeat(logDir, workerID) },
		ArtifactsDir: filepath.Join(logDir, "tasks", task.ID),
	}

	logger.Info("task accepted", "task", task.ID, "title", task.Title)
	result := runner.Run(ctx)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("failed to marshal result", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(resultPath, out, 0o644); err != nil {
		logger.Error("failed to write result", "error", err)
		os.Exit(1)
	}

	logger.Info("task finished", "task", task.ID, "kind", result.Kind)
	if result.Kind != worker.Completed {
		os.Exit(1)
	}
}
