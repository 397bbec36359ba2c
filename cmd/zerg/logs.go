package main

import (
	"encoding/json"
	"fmt"
	"os"

	"zerg/internal/events"

	"github.com/spf13/cobra"
)

var (
	logsWorker string
	logsTask   string
	logsEvent  string
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsLimit  int
	logsJSON   bool
	logsTasks  bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "Filter by worker id (e.g. worker-3)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Filter by task id")
	logsCmd.Flags().StringVar(&logsEvent, "event", "", "Filter by event kind")
	logsCmd.Flags().StringVar(&logsLevel, "log-level", "", "Filter by log level (info, warn, error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Only entries at or after this RFC3339 timestamp")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Case-insensitive text search in messages")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "Maximum entries to print (0 = all)")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Print raw JSONL entries")
	logsCmd.Flags().BoolVar(&logsTasks, "tasks", false, "List task ids with recorded logs or artifacts")
}

var logsCmd = &cobra.Command{
	Use:   "logs <feature>",
	Short: "Query the feature's structured event log",
	Long: `Merges the per-worker and orchestrator JSONL streams by timestamp at
read time. No aggregated file is written; the streams can be queried
while a run is appending to them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg := events.NewAggregator(logDir(args[0]))

		if logsTasks {
			for _, id := range agg.Tasks() {
				fmt.Println(id)
			}
			return nil
		}

		entries, err := agg.Query(events.Query{
			Worker: logsWorker,
			TaskID: logsTask,
			Event:  logsEvent,
			Level:  logsLevel,
			Since:  logsSince,
			Search: logsGrep,
			Limit:  logsLimit,
		})
		if err != nil {
			return err
		}

		if logsJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}

		for _, e := range entries {
			task := e.TaskID
			if task == "" {
				task = "-"
			}
			fmt.Printf("%-30s %-14s %-20s %-12s %s\n", e.Ts, e.Worker, e.Event, task, e.Message)
		}
		return nil
	},
}
