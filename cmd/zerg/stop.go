package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"zerg/internal/lockfile"

	"github.com/spf13/cobra"
)

var stopForce bool

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Terminate in-flight workers instead of draining")
}

var stopCmd = &cobra.Command{
	Use:   "stop <feature>",
	Short: "Stop a running orchestrator",
	Long: `Signals the orchestrator that owns the feature lock. Without --force
the worker pool drains and in-flight tasks finish; with --force running
workers are terminated and their tasks marked stale.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalOrchestrator(args[0], syscall.SIGTERM, stopForce)
	},
}

// signalOrchestrator resolves the lock holder and delivers a control
// signal. A forced stop repeats SIGTERM: the orchestrator treats the
// second delivery as a force request.
func signalOrchestrator(feature string, sig syscall.Signal, repeat bool) error {
	lock := lockfile.New(featureDir(feature))
	holder := lock.Check()
	if holder == nil {
		return fmt.Errorf("no orchestrator is running for feature %q", feature)
	}

	process, err := os.FindProcess(holder.PID)
	if err != nil {
		return fmt.Errorf("failed to find orchestrator process %d: %w", holder.PID, err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal orchestrator (pid %d): %w", holder.PID, err)
	}
	if repeat {
		time.Sleep(500 * time.Millisecond)
		if err := process.Signal(sig); err != nil {
			return fmt.Errorf("failed to deliver force signal (pid %d): %w", holder.PID, err)
		}
	}

	fmt.Printf("Signaled orchestrator for %q (pid %d)\n", feature, holder.PID)
	return nil
}
