package main

import (
	"fmt"
	"strings"

	"zerg/internal/lockfile"
	"zerg/internal/orchestrator"
	"zerg/internal/state"

	"github.com/spf13/cobra"
)

var (
	retryTaskID    string
	retryAllFailed bool
)

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().StringVar(&retryTaskID, "task", "", "Task to retry")
	retryCmd.Flags().BoolVar(&retryAllFailed, "all-failed", false, "Retry every failed task")
}

var retryCmd = &cobra.Command{
	Use:   "retry <feature>",
	Short: "Re-queue failed tasks",
	Long: `Transitions failed tasks back to pending so the next resumed start
dispatches them again. The orchestrator must not be running; retry
counters are preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (retryTaskID != "") == retryAllFailed {
			exitWithUsage(cmd, "exactly one of --task or --all-failed is required")
		}

		feature := args[0]
		store, err := state.NewStore(stateDir())
		if err != nil {
			return err
		}

		retried, err := orchestrator.RetryTasks(store, lockfile.New(featureDir(feature)), feature, retryTaskID, retryAllFailed)
		if err != nil {
			return err
		}

		fmt.Printf("Re-queued %d task(s): %s\n", len(retried), strings.Join(retried, ", "))
		fmt.Printf("Run 'zerg start %s --resume' to continue.\n", feature)
		return nil
	},
}

func exitWithUsage(cmd *cobra.Command, msg string) {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n\n%s", msg, cmd.UsageString())
	exit(exitUsage)
}
