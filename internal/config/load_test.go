package config

import (
	"testing"

	"github.com/spf13/viper"
)

func loadFresh(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	Load("")
}

func TestLoad_Defaults(t *testing.T) {
	loadFresh(t)

	if got := viper.GetInt("workers"); got != 5 {
		t.Errorf("Expected default workers 5, got %d", got)
	}
	if got := viper.GetInt("retry_budget"); got != 3 {
		t.Errorf("Expected default retry_budget 3, got %d", got)
	}
	if got := viper.GetInt("verification_timeout"); got != 60 {
		t.Errorf("Expected default verification_timeout 60, got %d", got)
	}
	if got := viper.GetInt("build_timeout"); got != 600 {
		t.Errorf("Expected default build_timeout 600, got %d", got)
	}
	if got := viper.GetString("state_dir"); got != ".zerg/state" {
		t.Errorf("Expected default state_dir, got %q", got)
	}
	if got := viper.GetString("db.type"); got != "sqlite" {
		t.Errorf("Expected default db.type sqlite, got %q", got)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("ZERG_WORKERS", "9")
	t.Setenv("ZERG_DB_TYPE", "postgres")
	loadFresh(t)

	if got := viper.GetInt("workers"); got != 9 {
		t.Errorf("Expected workers 9 from environment, got %d", got)
	}
	if got := viper.GetString("db.type"); got != "postgres" {
		t.Errorf("Expected db.type postgres from environment, got %q", got)
	}
}

func TestValidateConfig_AcceptsDefaults(t *testing.T) {
	loadFresh(t)
	if err := ValidateConfig(); err != nil {
		t.Errorf("Defaults must validate, got: %v", err)
	}
}

func TestValidateConfig_RejectsBadValues(t *testing.T) {
	cases := map[string]any{
		"workers":              0,
		"retry_budget":         -1,
		"verification_timeout": 0,
		"metrics_port":         70000,
		"db.type":              "mongodb",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			loadFresh(t)
			viper.Set(key, value)
			if err := ValidateConfig(); err == nil {
				t.Errorf("Expected %s=%v to be rejected", key, value)
			}
		})
	}
}
