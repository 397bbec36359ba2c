package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zerg/internal/worker"
)

func TestHeartbeat_TouchAndAge(t *testing.T) {
	logDir := t.TempDir()

	if _, ok := HeartbeatAge(logDir, "worker-1"); ok {
		t.Fatal("Expected no heartbeat before the first touch")
	}

	TouchHeartbeat(logDir, "worker-1")
	age, ok := HeartbeatAge(logDir, "worker-1")
	if !ok {
		t.Fatal("Expected a heartbeat after touch")
	}
	if age > 5*time.Second {
		t.Errorf("Fresh heartbeat reports age %v", age)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("Expected own pid to be running")
	}
	if IsProcessRunning(0) || IsProcessRunning(-1) {
		t.Error("Expected invalid pids to report not running")
	}
}

func TestReadWorkerResult_Missing(t *testing.T) {
	result := readWorkerResult(filepath.Join(t.TempDir(), "result.json"), "T1.1", errors.New("exit status 137"))

	if result.Kind != worker.Crashed {
		t.Errorf("Expected Crashed for a missing result, got %s", result.Kind)
	}
	if result.TaskID != "T1.1" {
		t.Errorf("Expected task id to be preserved, got %q", result.TaskID)
	}
}

func TestReadWorkerResult_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := readWorkerResult(path, "T1.1", nil)
	if result.Kind != worker.Crashed {
		t.Errorf("Expected Crashed for a corrupt result, got %s", result.Kind)
	}
}

func TestReadWorkerResult_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	want := worker.Result{
		TaskID: "T1.1",
		Kind:   worker.Completed,
		Certificate: worker.Certificate{
			TestWritten: true, TestFailedInitially: true,
			ImplementationWritten: true, TestPassedFinally: true,
		},
		Verification: worker.VerificationResult{Command: "go test ./...", ExitCode: 0, Output: "ok"},
	}
	data, _ := json.Marshal(want)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got := readWorkerResult(path, "T1.1", nil)
	if got.Kind != worker.Completed || !got.Certificate.Complete() {
		t.Errorf("Result not decoded correctly: %+v", got)
	}
}
