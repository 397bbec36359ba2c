package main

import (
	"path/filepath"

	"github.com/spf13/viper"
)

// Directory layout under the working directory root:
//
//	.zerg/state/<feature>.json    run records
//	.zerg/specs/<feature>/        graph, lock
//	.zerg/logs/<feature>/         JSONL streams and task artifacts
//	.zerg/history.db              run history archive

func workspaceRoot() string {
	root := viper.GetString("path")
	if root == "" {
		root = "."
	}
	return root
}

func stateDir() string {
	return filepath.Join(workspaceRoot(), viper.GetString("state_dir"))
}

func featureDir(feature string) string {
	return filepath.Join(workspaceRoot(), ".zerg", "specs", feature)
}

func defaultGraphPath(feature string) string {
	return filepath.Join(featureDir(feature), "task-graph.json")
}

func logDir(feature string) string {
	return filepath.Join(workspaceRoot(), viper.GetString("log_dir"), feature)
}

func historyPath() string {
	return filepath.Join(workspaceRoot(), viper.GetString("db.path"))
}
