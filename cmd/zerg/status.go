package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"zerg/internal/history"
	"zerg/internal/orchestrator"
	"zerg/internal/state"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	statusLevel   int
	statusJSON    bool
	statusHistory bool
	statusEvents  int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusLevel, "level", 0, "Restrict the breakdown to one level")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the snapshot as JSON")
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Include archived run history")
	statusCmd.Flags().IntVar(&statusEvents, "events", 10, "Number of recent events to show")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	stateStyles = map[state.RunState]lipgloss.Style{
		state.RunRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		state.RunComplete: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		state.RunPaused:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		state.RunFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		state.RunStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		state.RunIdle:     lipgloss.NewStyle().Faint(true),
	}
	dimStyle = lipgloss.NewStyle().Faint(true)
)

var statusCmd = &cobra.Command{
	Use:   "status <feature>",
	Short: "Show a feature's run status",
	Long:  `Reads the feature's checkpointed run record and prints the run state, per-level task counts, active workers, and recent events. Purely read-only.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(os.Stdout, args[0])
	},
}

func showStatus(out io.Writer, feature string) error {
	store, err := state.NewStore(stateDir())
	if err != nil {
		return err
	}

	snap, err := orchestrator.Status(store, feature, statusLevel)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	stateStyle, ok := stateStyles[snap.State]
	if !ok {
		stateStyle = lipgloss.NewStyle()
	}

	fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Feature:"), snap.Feature)
	fmt.Fprintf(out, "%s %s", headerStyle.Render("State:"), stateStyle.Render(string(snap.State)))
	if snap.Paused {
		fmt.Fprint(out, dimStyle.Render("  (paused)"))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %d\n", headerStyle.Render("Current level:"), snap.CurrentLevel)
	if snap.Error != "" {
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Error:"), snap.Error)
	}
	fmt.Fprintf(out, "%s %d completed, %d failed, %d retried\n",
		headerStyle.Render("Totals:"), snap.Totals.Completed, snap.Totals.Failed, snap.Totals.Retried)

	if len(snap.Levels) > 0 {
		fmt.Fprintf(out, "\n%s\n", headerStyle.Render("[Levels]"))
		fmt.Fprintf(out, "  %-7s %-9s %-9s %-12s %-9s %-7s %-6s\n", "LEVEL", "PENDING", "CLAIMED", "IN_PROGRESS", "COMPLETE", "FAILED", "STALE")
		for _, lvl := range snap.Levels {
			fmt.Fprintf(out, "  %-7d %-9d %-9d %-12d %-9d %-7d %-6d\n",
				lvl.Level,
				lvl.Counts[state.TaskPending],
				lvl.Counts[state.TaskClaimed],
				lvl.Counts[state.TaskInProgress],
				lvl.Counts[state.TaskComplete],
				lvl.Counts[state.TaskFailed],
				lvl.Counts[state.TaskStale])
		}
	}

	if len(snap.Workers) > 0 {
		fmt.Fprintf(out, "\n%s\n", headerStyle.Render("[Workers]"))
		fmt.Fprintf(out, "  %-12s %-8s %-10s %-20s %s\n", "WORKER", "STATUS", "PID", "TASK", "LAST HEARTBEAT")
		for _, w := range snap.Workers {
			fmt.Fprintf(out, "  %-12s %-8s %-10d %-20s %s\n",
				w.ID, strings.ToUpper(string(w.Status)), w.PID, w.TaskID,
				w.LastHeartbeat.Format(time.RFC3339))
		}
	}

	if statusEvents > 0 && len(snap.Events) > 0 {
		events := snap.Events
		if len(events) > statusEvents {
			events = events[len(events)-statusEvents:]
		}
		fmt.Fprintf(out, "\n%s\n", headerStyle.Render("[Recent events]"))
		for _, e := range events {
			line := fmt.Sprintf("  %s  %-20s %s %s", e.Ts.Format("15:04:05"), e.Kind, e.TaskID, e.Message)
			fmt.Fprintln(out, dimStyle.Render(line))
		}
	}

	if statusHistory {
		if err := showHistory(out, feature); err != nil {
			fmt.Fprintf(out, "\nHistory unavailable: %v\n", err)
		}
	}

	return nil
}

func showHistory(out io.Writer, feature string) error {
	histStore, err := history.NewStore(history.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: historyConnectionString(),
	})
	if err != nil {
		return err
	}
	defer histStore.Close()

	runs, err := histStore.RunHistory(feature, 10)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintf(out, "\n%s\n", headerStyle.Render("[Run history]"))
	fmt.Fprintf(out, "  %-22s %-10s %-10s %-8s %-8s\n", "RECORDED", "STATE", "COMPLETED", "FAILED", "RETRIED")
	for _, r := range runs {
		fmt.Fprintf(out, "  %-22s %-10s %-10d %-8d %-8d\n",
			r.RecordedAt.Format("2006-01-02 15:04:05"), r.State, r.Completed, r.Failed, r.Retried)
	}
	return nil
}
