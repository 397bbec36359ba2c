// Package events implements the structured event log: JSONL streams written
// per worker and for the orchestrator, merged by timestamp at read time.
// The log is diagnostic; the state store remains the source of truth.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds emitted by the orchestrator and workers.
const (
	KindRunStarted         = "run_started"
	KindRunCompleted       = "run_completed"
	KindRunFailed          = "run_failed"
	KindRunPaused          = "run_paused"
	KindRunResumed         = "run_resumed"
	KindRunStopped         = "run_stopped"
	KindTaskClaimed        = "task_claimed"
	KindTaskStarted        = "task_started"
	KindTaskCompleted      = "task_completed"
	KindTaskFailed         = "task_failed"
	KindTaskStale          = "task_stale"
	KindVerificationFailed = "verification_failed"
	KindRetryScheduled     = "retry_scheduled"
	KindLevelOpened        = "level_opened"
	KindLevelClosed        = "level_closed"
	KindLevelMergeFailed   = "level_merge_failed"
	KindWorkerCrashed      = "worker_crashed"
	KindRecovery           = "recovery"
	KindStepStarted        = "step_started"
	KindStepCompleted      = "step_completed"
)

// Entry is one JSONL record.
type Entry struct {
	Ts      string         `json:"ts"`
	Level   string         `json:"level"`
	Worker  string         `json:"worker"`
	TaskID  string         `json:"task_id,omitempty"`
	Event   string         `json:"event"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// Origin names the stream the entry came from; set by the reader,
	// never serialized.
	Origin string `json:"-"`
}

// OrchestratorStream is the worker field value for orchestrator entries.
const OrchestratorStream = "orchestrator"

// Writer appends entries to one JSONL stream.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	name string
}

// NewOrchestratorWriter opens the orchestrator stream under logDir.
func NewOrchestratorWriter(logDir string) (*Writer, error) {
	return newWriter(filepath.Join(logDir, "orchestrator.jsonl"), OrchestratorStream)
}

// NewWorkerWriter opens a per-worker stream under logDir/workers.
func NewWorkerWriter(logDir, workerID string) (*Writer, error) {
	return newWriter(filepath.Join(logDir, "workers", workerID+".jsonl"), workerID)
}

func newWriter(path, name string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	return &Writer{file: f, name: name}, nil
}

// Emit appends one entry, stamping timestamp and stream name.
func (w *Writer) Emit(level, event, taskID, message string, data map[string]any) error {
	entry := Entry{
		// Fixed-width nanoseconds keep string order equal to time order.
		Ts:      time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		Level:   level,
		Worker:  w.name,
		TaskID:  taskID,
		Event:   event,
		Message: message,
		Data:    data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Info emits an info-level entry, dropping write errors: event emission
// must never fail a state transition.
func (w *Writer) Info(event, taskID, message string, data map[string]any) {
	_ = w.Emit("info", event, taskID, message, data)
}

// Warn emits a warn-level entry.
func (w *Writer) Warn(event, taskID, message string, data map[string]any) {
	_ = w.Emit("warn", event, taskID, message, data)
}

// Error emits an error-level entry.
func (w *Writer) Error(event, taskID, message string, data map[string]any) {
	_ = w.Emit("error", event, taskID, message, data)
}

// Close closes the underlying stream.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
