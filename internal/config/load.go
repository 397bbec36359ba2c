package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; a missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(".zerg")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ZERG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("workers", 5)
	viper.SetDefault("retry_budget", 3)
	viper.SetDefault("verification_timeout", 60)
	viper.SetDefault("build_timeout", 600)
	viper.SetDefault("agent_timeout", 300)
	viper.SetDefault("heartbeat_staleness", 90)
	viper.SetDefault("state_dir", ".zerg/state")
	viper.SetDefault("log_dir", ".zerg/logs")
	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("verbose", false)
	viper.SetDefault("agent_command", "")
	viper.SetDefault("level_merge", true)
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.path", ".zerg/history.db")
	viper.SetDefault("git_user_email", "zerg-worker@example.com")
	viper.SetDefault("git_user_name", "ZERG Worker")

	// Notification Defaults
	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#general")
	viper.SetDefault("notifications.slack.events.on_start", true)
	viper.SetDefault("notifications.slack.events.on_success", true)
	viper.SetDefault("notifications.slack.events.on_failure", true)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
