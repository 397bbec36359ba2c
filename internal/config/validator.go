package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ValidateConfig validates configuration values after viper has loaded
// them and returns an error describing every invalid value.
func ValidateConfig() error {
	var errors []string

	if workers := viper.GetInt("workers"); workers < 1 {
		errors = append(errors, fmt.Sprintf("workers must be at least 1, got: %d", workers))
	}
	if budget := viper.GetInt("retry_budget"); budget < 1 {
		errors = append(errors, fmt.Sprintf("retry_budget must be at least 1, got: %d", budget))
	}

	for _, key := range []string{"verification_timeout", "build_timeout", "agent_timeout", "heartbeat_staleness"} {
		if viper.IsSet(key) {
			if v := viper.GetInt(key); v <= 0 {
				errors = append(errors, fmt.Sprintf("%s must be positive, got: %d", key, v))
			}
		}
	}

	if port := viper.GetInt("metrics_port"); port < 0 || port > 65535 {
		errors = append(errors, fmt.Sprintf("metrics_port must be a valid port, got: %d", port))
	}

	switch dbType := viper.GetString("db.type"); dbType {
	case "sqlite", "postgres", "":
	default:
		errors = append(errors, fmt.Sprintf("db.type must be sqlite or postgres, got: %q", dbType))
	}

	if len(errors) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}
