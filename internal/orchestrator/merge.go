package orchestrator

import (
	"context"
	"fmt"

	"zerg/internal/git"
)

// LevelMerger integrates a closed level's artifacts into the feature's
// accumulated state before the next level opens. The hook is pluggable; a
// failure feeds back into level close and fails the run.
type LevelMerger interface {
	MergeLevel(ctx context.Context, feature string, level int, workspace string) error
}

// GitLevelMerger records one commit per closed level on the feature's
// branch. A workspace outside a git repository merges as a no-op.
type GitLevelMerger struct {
	Client *git.Client
}

// NewGitLevelMerger creates the default merger.
func NewGitLevelMerger() *GitLevelMerger {
	return &GitLevelMerger{Client: git.NewClient()}
}

func (m *GitLevelMerger) MergeLevel(ctx context.Context, feature string, level int, workspace string) error {
	if !m.Client.RepoExists(workspace) {
		return nil
	}
	message := fmt.Sprintf("merge(%s): level %d", feature, level)
	if _, err := m.Client.CommitAll(ctx, workspace, message); err != nil {
		return fmt.Errorf("level merge failed: %w", err)
	}
	return nil
}

// NopLevelMerger skips level merging entirely.
type NopLevelMerger struct{}

func (NopLevelMerger) MergeLevel(context.Context, string, int, string) error { return nil }
