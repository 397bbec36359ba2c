package main

import (
	"encoding/json"
	"fmt"
	"os"

	"zerg/internal/graph"
	"zerg/internal/steps"

	"github.com/spf13/cobra"
)

var (
	graphStepsDetail string
	graphStepsOut    string
)

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphValidateCmd)
	graphCmd.AddCommand(graphStepsCmd)
	graphStepsCmd.Flags().StringVar(&graphStepsDetail, "detail", "medium", "Step detail level: standard, medium, or high")
	graphStepsCmd.Flags().StringVar(&graphStepsOut, "out", "", "Write the augmented graph here (default: overwrite input)")
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and prepare task graphs",
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate <graph-file>",
	Short: "Validate a task graph file",
	Long:  `Checks the graph's structural invariants: dependencies resolve, every dependency sits at a strictly lower level, and there are no cycles.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graph.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("OK: %s (%d tasks, %d levels)\n", g.Feature, len(g.Tasks), len(g.LevelNumbers()))
		return nil
	},
}

var graphStepsCmd = &cobra.Command{
	Use:   "steps <graph-file>",
	Short: "Generate TDD step lists for every task",
	Long: `Augments each task with a pre-planned step list (write_test,
verify_fail, implement, verify_pass, format, commit). Workers execute
step lists in order when present.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graph.Load(args[0])
		if err != nil {
			return err
		}

		detail := steps.DetailLevel(graphStepsDetail)
		switch detail {
		case steps.DetailStandard, steps.DetailMedium, steps.DetailHigh:
		default:
			exitWithUsage(cmd, fmt.Sprintf("unknown detail level %q", graphStepsDetail))
		}

		generator := steps.NewGenerator(workspaceRoot())
		for _, task := range g.Tasks {
			task.Steps = generator.Generate(task, detail)
		}

		out := graphStepsOut
		if out == "" {
			out = args[0]
		}
		data, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("failed to write graph: %w", err)
		}
		fmt.Printf("Wrote %s with %s-detail steps for %d tasks\n", out, detail, len(g.Tasks))
		return nil
	},
}
