// Package worker executes exactly one task under the TDD protocol: a test
// must be written and observed failing before the implementation, and no
// task completes without fresh verification evidence.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zerg/internal/events"
	"zerg/internal/graph"
)

// Runner drives one task to completion or failure, then its process exits.
// Workers do not loop over tasks.
type Runner struct {
	Task      *graph.Task
	Workspace string
	Executor  Executor
	Author    Author

	// Events receives the worker's structured stream; optional.
	Events *events.Writer
	// Heartbeat is invoked at each protocol step; the spawner wires it to
	// touch the worker's heartbeat file. Optional.
	Heartbeat func()
	// ArtifactsDir receives the verification transcript; optional.
	ArtifactsDir string
}

// Run executes the task. When the task carries a step list the steps are
// executed in order; otherwise the classic red/green protocol applies.
func (r *Runner) Run(ctx context.Context) Result {
	if len(r.Task.Steps) > 0 {
		return r.runSteps(ctx)
	}
	return r.runProtocol(ctx)
}

func (r *Runner) beat() {
	if r.Heartbeat != nil {
		r.Heartbeat()
	}
}

func (r *Runner) emit(event, message string, data map[string]any) {
	if r.Events != nil {
		r.Events.Info(event, r.Task.ID, message, data)
	}
}

func (r *Runner) verify(ctx context.Context) VerificationResult {
	return r.Executor.Execute(ctx, r.Task.Verification.Command, r.Task.Timeout(), r.Workspace)
}

// runProtocol enforces the five-step TDD cycle.
func (r *Runner) runProtocol(ctx context.Context) Result {
	result := Result{TaskID: r.Task.ID}
	var narration strings.Builder

	// Plan: the file sets bound what the author may touch.
	r.beat()
	r.emit(events.KindTaskStarted, "task started", map[string]any{
		"create": r.Task.Files.Create,
		"modify": r.Task.Files.Modify,
		"read":   r.Task.Files.Read,
	})

	// Red: write the test.
	text, err := r.Author.WriteTest(ctx, r.Task)
	narration.WriteString(text)
	if err != nil {
		result.Kind = Crashed
		result.Error = err.Error()
		result.Narration = narration.String()
		return result
	}
	result.Certificate.TestWritten = true
	r.beat()
	r.emit(events.KindStepCompleted, "test written", nil)

	// Verify fail: the new test must fail before the implementation
	// exists. Any other outcome invalidates the protocol.
	redRun := r.verify(ctx)
	if redRun.ExitCode == 0 {
		result.Kind = ProtocolViolation
		result.Verification = redRun
		result.Error = "verification passed before implementation was written"
		result.Narration = narration.String()
		return result
	}
	result.Certificate.TestFailedInitially = true
	r.beat()
	r.emit(events.KindStepCompleted, "test failed initially", map[string]any{"exit_code": redRun.ExitCode})

	// Green: write the implementation.
	text, err = r.Author.WriteImplementation(ctx, r.Task)
	narration.WriteString(text)
	if err != nil {
		result.Kind = Crashed
		result.Error = err.Error()
		result.Narration = narration.String()
		return result
	}
	result.Certificate.ImplementationWritten = true
	r.beat()
	r.emit(events.KindStepCompleted, "implementation written", nil)

	// Verify pass: fresh evidence or no completion.
	greenRun := r.verify(ctx)
	result.Verification = greenRun
	r.saveTranscript(greenRun)
	if !greenRun.Passed() {
		result.Kind = classify(greenRun)
		result.Error = fmt.Sprintf("verification failed with exit code %d", greenRun.ExitCode)
		result.Narration = narration.String()
		r.emit(events.KindVerificationFailed, "verification failed", map[string]any{
			"exit_code": greenRun.ExitCode,
			"timed_out": greenRun.TimedOut,
		})
		return result
	}
	result.Certificate.TestPassedFinally = true
	r.beat()
	r.emit(events.KindStepCompleted, "test passed finally", nil)

	// Refactor (optional): a re-verification must pass afterwards.
	if refactorer, ok := r.Author.(Refactorer); ok {
		text, refactored, err := refactorer.Refactor(ctx, r.Task)
		narration.WriteString(text)
		if err != nil {
			result.Kind = Crashed
			result.Error = err.Error()
			result.Narration = narration.String()
			return result
		}
		if refactored {
			rerun := r.verify(ctx)
			result.Verification = rerun
			r.saveTranscript(rerun)
			if !rerun.Passed() {
				result.Kind = classify(rerun)
				result.Error = "verification failed after refactor"
				result.Narration = narration.String()
				return result
			}
			result.Certificate.Refactored = true
			r.emit(events.KindStepCompleted, "refactored", nil)
		}
	}

	result.Kind = Completed
	result.Narration = narration.String()
	return result
}

// runSteps executes a pre-generated step list in order, failing the task
// at the first step whose expected verification mode is violated. The
// steps codify the same red/green cycle, so certificate bits are recorded
// as the corresponding actions complete.
func (r *Runner) runSteps(ctx context.Context) Result {
	result := Result{TaskID: r.Task.ID}
	var narration strings.Builder

	for _, step := range r.Task.Steps {
		r.beat()
		r.emit(events.KindStepStarted, fmt.Sprintf("step %d: %s", step.Step, step.Action), nil)

		switch step.Action {
		case graph.StepWriteTest:
			text, err := r.Author.WriteTest(ctx, r.Task)
			narration.WriteString(text)
			if err != nil {
				result.Kind = Crashed
				result.Error = err.Error()
				result.Narration = narration.String()
				return result
			}
			result.Certificate.TestWritten = true

		case graph.StepImplement:
			text, err := r.Author.WriteImplementation(ctx, r.Task)
			narration.WriteString(text)
			if err != nil {
				result.Kind = Crashed
				result.Error = err.Error()
				result.Narration = narration.String()
				return result
			}
			result.Certificate.ImplementationWritten = true

		default:
			if step.Run == "" {
				break
			}
			run := r.Executor.Execute(ctx, step.Run, r.Task.Timeout(), r.Workspace)
			switch step.Verify {
			case graph.VerifyExitCodeNonzero:
				if run.ExitCode == 0 {
					result.Kind = ProtocolViolation
					result.Verification = run
					result.Error = fmt.Sprintf("step %d (%s): expected failure but command exited zero", step.Step, step.Action)
					result.Narration = narration.String()
					return result
				}
				if step.Action == graph.StepVerifyFail {
					result.Certificate.TestFailedInitially = true
				}
			case graph.VerifyExitCode:
				if !run.Passed() {
					result.Kind = classify(run)
					result.Verification = run
					r.saveTranscript(run)
					result.Error = fmt.Sprintf("step %d (%s): command exited %d", step.Step, step.Action, run.ExitCode)
					result.Narration = narration.String()
					return result
				}
				if step.Action == graph.StepVerifyPass {
					result.Certificate.TestPassedFinally = true
					result.Verification = run
					r.saveTranscript(run)
				}
			}
		}

		r.emit(events.KindStepCompleted, fmt.Sprintf("step %d: %s", step.Step, step.Action), nil)
	}

	if !result.Certificate.Complete() {
		result.Kind = ProtocolViolation
		result.Error = "step list finished without completing the TDD cycle"
		result.Narration = narration.String()
		return result
	}

	result.Kind = Completed
	result.Narration = narration.String()
	return result
}

func classify(run VerificationResult) ResultKind {
	if run.TimedOut {
		return Timeout
	}
	return VerificationFailed
}

// saveTranscript writes the verification output to the task's artifact
// directory for post-hoc diagnosis.
func (r *Runner) saveTranscript(run VerificationResult) {
	if r.ArtifactsDir == "" {
		return
	}
	if err := os.MkdirAll(r.ArtifactsDir, 0o755); err != nil {
		return
	}
	content := fmt.Sprintf("$ %s\nexit code: %d\n\n%s", run.Command, run.ExitCode, run.Output)
	_ = os.WriteFile(filepath.Join(r.ArtifactsDir, "verification_output.txt"), []byte(content), 0o644)
}
