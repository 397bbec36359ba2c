package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zerg/internal/graph"
	"zerg/internal/history"
	"zerg/internal/lockfile"
	"zerg/internal/notify"
	"zerg/internal/orchestrator"
	"zerg/internal/state"
	"zerg/internal/telemetry"
	"zerg/internal/worker"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	startGraphPath string
	startWorkers   int
	startResume    bool
	startMock      bool
	startInProc    bool
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&startGraphPath, "graph", "", "Task graph file (default .zerg/specs/<feature>/task-graph.json)")
	startCmd.Flags().IntVar(&startWorkers, "workers", 0, "Worker pool size (default from config)")
	startCmd.Flags().BoolVar(&startResume, "resume", false, "Resume an interrupted run from its checkpoint")
	startCmd.Flags().BoolVar(&startMock, "mock", false, "Run with mock workers (no agent backend required)")
	startCmd.Flags().BoolVar(&startInProc, "in-process", false, "Run workers on goroutines instead of worker processes")
}

var startCmd = &cobra.Command{
	Use:   "start <feature>",
	Short: "Start (or resume) a feature's run",
	Long: `Seeds the run from the feature's task graph and drives it level by
level until every task is complete or the run fails. Progress is
checkpointed after every state transition, so an interrupted run resumes
with --resume without replaying finished work.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := runStart(args[0])
		exit(code)
	},
}

func runStart(feature string) int {
	logger := telemetry.NewLogger(viper.GetBool("verbose"), "").With("feature", feature)

	graphPath := startGraphPath
	if graphPath == "" {
		graphPath = defaultGraphPath(feature)
	}
	g, err := graph.Load(graphPath)
	if err != nil {
		logger.Error("task graph rejected", "path", graphPath, "error", err)
		return exitFailure
	}
	if g.Feature != feature {
		logger.Error("task graph is for a different feature", "graph_feature", g.Feature, "feature", feature)
		return exitUsage
	}

	store, err := state.NewStore(stateDir())
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return exitFailure
	}

	workers := startWorkers
	if workers <= 0 {
		workers = viper.GetInt("workers")
	}

	cfg := orchestrator.Config{
		Feature:            feature,
		Workspace:          workspaceRoot(),
		Workers:            workers,
		RetryBudget:        viper.GetInt("retry_budget"),
		HeartbeatStaleness: time.Duration(viper.GetInt("heartbeat_staleness")) * time.Second,
		Logger:             logger,
	}

	var merger orchestrator.LevelMerger
	if viper.GetBool("level_merge") {
		merger = orchestrator.NewGitLevelMerger()
	}

	orch := orchestrator.New(cfg, g, store, lockfile.New(featureDir(feature)), buildSpawner(), merger, logDir(feature))

	// First interrupt drains the pool; a second one force-stops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	interrupted := false
	go func() {
		stops := 0
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				if err := orch.Pause(); err != nil {
					logger.Warn("pause request rejected", "error", err)
				}
			case syscall.SIGUSR2:
				if err := orch.Resume(); err != nil {
					logger.Warn("resume request rejected", "error", err)
				}
			default:
				stops++
				interrupted = true
				if stops == 1 {
					logger.Info("stop requested, draining worker pool (repeat to force)")
					orch.Stop(false)
				} else {
					logger.Warn("force stop requested")
					orch.Stop(true)
				}
			}
		}
	}()
	defer signal.Stop(sigCh)

	notifier := notify.NewSlackNotifier(os.Getenv("SLACK_BOT_USER_TOKEN"))
	if err := notifier.Notify(ctx, notify.EventStart, fmt.Sprintf("ZERG run started: %s (%d workers)", feature, workers)); err != nil {
		logger.Warn("notification failed", "error", err)
	}

	runErr := orch.Start(ctx, startResume)

	archiveRun(logger, orch.Run())

	if runErr != nil {
		if errors.Is(runErr, orchestrator.ErrLocked) {
			logger.Error("another orchestrator owns this feature", "error", runErr)
			return exitFailure
		}
		_ = notifier.Notify(context.Background(), notify.EventFailure, fmt.Sprintf("ZERG run failed: %s: %v", feature, runErr))
		return exitFailure
	}
	if interrupted {
		return exitInterrupted
	}

	if record := orch.Run(); record != nil && record.State == state.RunComplete {
		_ = notifier.Notify(context.Background(), notify.EventSuccess, fmt.Sprintf("ZERG run completed: %s (%d tasks)", feature, record.Totals.Completed))
	}
	return exitOK
}

// buildSpawner picks the worker launch strategy from flags and config.
func buildSpawner() orchestrator.Spawner {
	agentCommand := viper.GetString("agent_command")
	agentTimeout := viper.GetInt("agent_timeout")

	if startMock {
		executor := &worker.MockExecutor{}
		return &orchestrator.InProcessSpawner{
			Executor: executor,
			NewAuthor: func(orchestrator.SpawnRequest) worker.Author {
				return &worker.MockAuthor{Narration: "mock run: verification evidence recorded"}
			},
		}
	}

	if startInProc {
		return &orchestrator.InProcessSpawner{
			NewAuthor: func(req orchestrator.SpawnRequest) worker.Author {
				return worker.NewCommandAuthor(agentCommand, req.Workspace, agentTimeout)
			},
		}
	}

	return &orchestrator.ProcessSpawner{
		AgentCommand:        agentCommand,
		AgentTimeoutSeconds: agentTimeout,
	}
}

// archiveRun records the finished run in the history database.
func archiveRun(logger interface{ Warn(string, ...any) }, record *state.RunRecord) {
	if record == nil || !terminalRunState(record.State) {
		return
	}
	histStore, err := history.NewStore(history.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: historyConnectionString(),
	})
	if err != nil {
		logger.Warn("history store unavailable", "error", err)
		return
	}
	defer histStore.Close()
	if err := history.RecordRun(histStore, record); err != nil {
		logger.Warn("failed to archive run history", "error", err)
	}
}

func historyConnectionString() string {
	if viper.GetString("db.type") == "postgres" {
		return viper.GetString("db.url")
	}
	return historyPath()
}

func terminalRunState(s state.RunState) bool {
	return s == state.RunComplete || s == state.RunFailed || s == state.RunStopped
}
