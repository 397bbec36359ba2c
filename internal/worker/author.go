package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"zerg/internal/graph"
)

// Phase names passed to the code author.
const (
	PhaseRed      = "red"
	PhaseGreen    = "green"
	PhaseRefactor = "refactor"
)

// Author produces the task's test and implementation code. The runner only
// enforces the protocol around it; authorship is delegated so tests and
// alternative agents can plug in.
type Author interface {
	// WriteTest produces failing test code for the task (red phase) and
	// returns the author's narration.
	WriteTest(ctx context.Context, task *graph.Task) (string, error)
	// WriteImplementation produces the implementation (green phase).
	WriteImplementation(ctx context.Context, task *graph.Task) (string, error)
}

// Refactorer is implemented by authors that support the optional refactor
// phase. The second return reports whether any refactoring happened.
type Refactorer interface {
	Refactor(ctx context.Context, task *graph.Task) (string, bool, error)
}

// CommandAuthor shells out to a configured agent command for each phase.
// The command receives the task and phase through the environment and its
// combined output is the narration the forbidden-phrase guard scans.
type CommandAuthor struct {
	Command        string
	Workspace      string
	TimeoutSeconds int
}

// NewCommandAuthor creates an author invoking command in workspace.
func NewCommandAuthor(command, workspace string, timeoutSeconds int) *CommandAuthor {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &CommandAuthor{Command: command, Workspace: workspace, TimeoutSeconds: timeoutSeconds}
}

func (a *CommandAuthor) run(ctx context.Context, task *graph.Task, phase string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(a.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", a.Command)
	cmd.Dir = a.Workspace
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("ZERG_TASK_ID=%s", task.ID),
		fmt.Sprintf("ZERG_TASK_TITLE=%s", task.Title),
		fmt.Sprintf("ZERG_PHASE=%s", phase),
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return output.String(), fmt.Errorf("author command timed out after %ds", a.TimeoutSeconds)
	}
	if err != nil {
		return output.String(), fmt.Errorf("author command failed: %w", err)
	}
	return output.String(), nil
}

func (a *CommandAuthor) WriteTest(ctx context.Context, task *graph.Task) (string, error) {
	return a.run(ctx, task, PhaseRed)
}

func (a *CommandAuthor) WriteImplementation(ctx context.Context, task *graph.Task) (string, error) {
	return a.run(ctx, task, PhaseGreen)
}
