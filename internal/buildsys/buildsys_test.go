package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "go.mod")
	touch(t, dir, "Makefile")

	detected := Detect(dir)
	if len(detected) != 2 {
		t.Fatalf("Expected 2 systems, got %v", detected)
	}
	// deterministic order: make before go
	if detected[0] != Make || detected[1] != Go {
		t.Errorf("Expected [make go], got %v", detected)
	}
}

func TestDetect_Empty(t *testing.T) {
	if detected := Detect(t.TempDir()); len(detected) != 0 {
		t.Errorf("Expected no systems, got %v", detected)
	}
}

func TestCommand(t *testing.T) {
	if got := Command(Go, "dev"); got != "go build ./..." {
		t.Errorf("Unexpected dev command: %s", got)
	}
	if got := Command(Cargo, "prod"); got != "cargo build --release" {
		t.Errorf("Unexpected prod command: %s", got)
	}
	// unknown mode falls back to dev
	if got := Command(NPM, "staging"); got != "npm run dev" {
		t.Errorf("Expected dev fallback, got %s", got)
	}
	if got := Command(System("bazel"), "dev"); got != "make" {
		t.Errorf("Expected make fallback for unknown system, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]ErrorCategory{
		"ModuleNotFoundError: No module named 'foo'": MissingDependency,
		"no required module provides package x":      MissingDependency,
		"TypeError: cannot read property":            TypeError,
		"java.lang.OutOfMemoryError: heap space":     ResourceExhaustion,
		"dial tcp: connection refused":               NetworkTimeout,
		"SyntaxError: unexpected token":              SyntaxError,
		"something else entirely":                    Unknown,
	}
	for text, want := range cases {
		if got := Classify(text); got != want {
			t.Errorf("Classify(%q) = %s, want %s", text, got, want)
		}
	}
}

func TestRecoveryAction(t *testing.T) {
	if RecoveryAction(NetworkTimeout) != "Retry with backoff" {
		t.Error("Unexpected recovery action for network timeout")
	}
	if RecoveryAction(Unknown) != "Review error manually" {
		t.Error("Unexpected recovery action for unknown")
	}
}

func TestRunner_SucceedingBuild(t *testing.T) {
	dir := t.TempDir()
	// A Makefile whose default target always succeeds
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n\t@true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &Runner{}
	result := runner.Run(context.Background(), "", dir)
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if result.Retries != 0 {
		t.Errorf("Expected 0 retries, got %d", result.Retries)
	}
}

func TestRunner_FailingBuildDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n\t@echo 'compile error'; exit 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &Runner{Retries: 3}
	result := runner.Run(context.Background(), Make, dir)
	if result.Success {
		t.Fatal("Expected failure")
	}
	// A non-transient failure stops after the first attempt.
	if result.Retries != 1 {
		t.Errorf("Expected 1 attempt recorded, got %d", result.Retries)
	}
	if len(result.Errors) == 0 {
		t.Fatal("Expected errors in the result")
	}
}

func TestFormat(t *testing.T) {
	text := Format(Result{Success: true, DurationSeconds: 1.5})
	if !strings.Contains(text, "SUCCESS") {
		t.Errorf("Expected SUCCESS in output, got %q", text)
	}

	text = Format(Result{Errors: []string{"boom"}})
	if !strings.Contains(text, "FAILED") || !strings.Contains(text, "boom") {
		t.Errorf("Expected failure details, got %q", text)
	}
}
