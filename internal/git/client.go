// Package git wraps the git subcommands the level-merge hook needs.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Client handles git interactions in a feature's working directory.
type Client struct{}

// NewClient creates a new Git client.
func NewClient() *Client {
	return &Client{}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(cmdCtx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Enforce no prompting
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, out.String())
	}
	return out.String(), nil
}

// RepoExists reports whether dir is inside a git work tree.
func (c *Client) RepoExists(dir string) bool {
	_, err := c.run(context.Background(), dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Config sets a repository-local configuration value.
func (c *Client) Config(dir, key, value string) error {
	_, err := c.run(context.Background(), dir, "config", key, value)
	return err
}

// CurrentCommitSHA returns HEAD's commit sha.
func (c *Client) CurrentCommitSHA(dir string) (string, error) {
	out, err := c.run(context.Background(), dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(dir string) (string, error) {
	out, err := c.run(context.Background(), dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the work tree has uncommitted changes.
func (c *Client) HasChanges(dir string) (bool, error) {
	out, err := c.run(context.Background(), dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits. Committing a clean tree is not
// an error; it is reported by the bool return.
func (c *Client) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := c.HasChanges(dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}
