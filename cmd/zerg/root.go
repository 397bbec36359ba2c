package main

import (
	"flag"
	"fmt"
	"os"

	"zerg/internal/config"
	"zerg/internal/telemetry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes of the operator surface.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

var exit = os.Exit
var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zerg",
	Short: "ZERG: level-synchronized parallel task orchestrator",
	Long: `ZERG drives fleets of short-lived workers through a DAG of
code-authoring tasks under a strict TDD protocol. Tasks run in parallel
within a level; a level closes only when every task passed its
verification command or was retired as permanently failed.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitFailure)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or .zerg/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().String("path", ".", "Feature working directory")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("path"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.Load(cfgFile)

	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitUsage)
	}

	telemetry.InitLogger(viper.GetBool("verbose"), "")

	// Metrics server, skipped under go test to avoid hanging
	if flag.Lookup("test.v") == nil {
		go func() {
			port := viper.GetInt("metrics_port")
			if err := telemetry.StartMetricsServer(port); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to start metrics server: %v\n", err)
			}
		}()
	}
}
