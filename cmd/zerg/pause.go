package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

var pauseCmd = &cobra.Command{
	Use:   "pause <feature>",
	Short: "Pause a running orchestrator",
	Long:  `Forbids new task assignments; in-flight tasks finish. The run record reflects the pause once the orchestrator checkpoints it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalOrchestrator(args[0], syscall.SIGUSR1, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <feature>",
	Short: "Resume a paused orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalOrchestrator(args[0], syscall.SIGUSR2, false)
	},
}
