package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// MaxVerificationTimeout caps every verification subprocess.
	MaxVerificationTimeout = 600
)

// Executor runs a verification command and reports the structured outcome.
// Concurrency and resource caps live behind this single contract.
type Executor interface {
	Execute(ctx context.Context, command string, timeoutSeconds int, cwd string) VerificationResult
}

// ShellExecutor runs commands through a shell in the task's working
// directory with a sanitized environment.
type ShellExecutor struct {
	// Env overrides the inherited environment when non-nil.
	Env []string
}

// NewShellExecutor creates an executor inheriting a sanitized environment.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Env: sanitizedEnv()}
}

// sanitizedEnv drops variables that leak credentials into verification
// subprocesses; everything else is inherited.
func sanitizedEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(key)
		if strings.Contains(upper, "TOKEN") || strings.Contains(upper, "SECRET") || strings.HasSuffix(upper, "_API_KEY") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// Execute runs the command with the given timeout. A timeout is reported
// as exit code -1 with a "Timeout after Ns" transcript, never as a hang.
func (e *ShellExecutor) Execute(ctx context.Context, command string, timeoutSeconds int, cwd string) VerificationResult {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	if timeoutSeconds > MaxVerificationTimeout {
		timeoutSeconds = MaxVerificationTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	cmd.Dir = cwd
	// The shell runs in its own process group so a timeout kills the whole
	// command tree; children left holding the output pipe cannot stall Wait.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	if e.Env != nil {
		cmd.Env = e.Env
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return VerificationResult{
			Command:  command,
			ExitCode: -1,
			Output:   fmt.Sprintf("Timeout after %ds", timeoutSeconds),
			TimedOut: true,
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			// Spawn failure (missing shell, bad cwd): same shape as a
			// failed command so the orchestrator can classify it.
			return VerificationResult{
				Command:  command,
				ExitCode: -1,
				Output:   err.Error(),
			}
		}
	}

	return VerificationResult{
		Command:  command,
		ExitCode: exitCode,
		Output:   output.String(),
	}
}
