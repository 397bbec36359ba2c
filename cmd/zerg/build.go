package main

import (
	"encoding/json"
	"fmt"
	"os"

	"zerg/internal/buildsys"

	"github.com/spf13/cobra"
)

var (
	buildMode   string
	buildSystem string
	buildJSON   bool
)

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVar(&buildMode, "mode", "dev", "Build mode: dev or prod")
	buildCmd.Flags().StringVar(&buildSystem, "system", "", "Build system (npm, cargo, make, gradle, go, python; auto-detected when empty)")
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "Output the result as JSON")
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the feature workspace",
	Long: `Detects the project's build system from its marker files and runs the
build with a hard 600s cap. Network timeouts retry with exponential
backoff; other failures are classified with a suggested recovery action.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runner := &buildsys.Runner{Mode: buildMode}
		result := runner.Run(cmd.Context(), buildsys.System(buildSystem), workspaceRoot())

		if buildJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			fmt.Println(buildsys.Format(result))
			if !result.Success && len(result.Errors) > 0 {
				category := buildsys.Classify(result.Errors[0])
				fmt.Printf("Category: %s\nRecovery: %s\n", category, buildsys.RecoveryAction(category))
			}
		}

		if !result.Success {
			exit(exitFailure)
		}
		return nil
	},
}
