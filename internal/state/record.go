package state

import (
	"encoding/json"
	"time"
)

// TaskStatus is the execution status of a task within a run.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskStale      TaskStatus = "stale"
)

// Terminal reports whether a task in this status is finished for the run.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskStale
}

// WorkerStatus is the lifecycle status of a worker process.
type WorkerStatus string

const (
	WorkerReady   WorkerStatus = "ready"
	WorkerBusy    WorkerStatus = "busy"
	WorkerCrashed WorkerStatus = "crashed"
	WorkerRetired WorkerStatus = "retired"
)

// RunState is the orchestrator's top-level state.
type RunState string

const (
	RunIdle     RunState = "IDLE"
	RunRunning  RunState = "RUNNING"
	RunPaused   RunState = "PAUSED"
	RunComplete RunState = "COMPLETE"
	RunFailed   RunState = "FAILED"
	RunStopped  RunState = "STOPPED"
)

// Transition records one status change with its timestamp.
type Transition struct {
	Status TaskStatus `json:"status"`
	At     time.Time  `json:"at"`
}

// TaskRecord is the mutable run-state of a single task.
type TaskRecord struct {
	Status        TaskStatus   `json:"status"`
	Level         int          `json:"level"`
	Worker        string       `json:"worker,omitempty"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error,omitempty"`
	TranscriptRef string       `json:"transcript_ref,omitempty"`
	Transitions   []Transition `json:"transitions,omitempty"`
}

// Transition moves the task to a new status and stamps the change.
func (t *TaskRecord) Transition(status TaskStatus, now time.Time) {
	t.Status = status
	t.Transitions = append(t.Transitions, Transition{Status: status, At: now})
}

// LastTransition returns the timestamp of the most recent change, zero if none.
func (t *TaskRecord) LastTransition() time.Time {
	if len(t.Transitions) == 0 {
		return time.Time{}
	}
	return t.Transitions[len(t.Transitions)-1].At
}

// WorkerRecord tracks one ephemeral worker process.
type WorkerRecord struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	TaskID        string       `json:"task_id,omitempty"`
	PID           int          `json:"pid,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Event is a bounded in-record copy of a run event, kept for status queries.
type Event struct {
	Ts      time.Time `json:"ts"`
	Kind    string    `json:"event"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Totals accumulate across the run. All fields are monotonically increasing.
type Totals struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// MaxEvents bounds the events array carried in the run record. Older
// entries are pruned; the event log on disk keeps the full history.
const MaxEvents = 200

// RunRecord is the durable state of one feature's run. It is owned by the
// state store on disk and by the orchestrator in memory.
type RunRecord struct {
	Feature      string                   `json:"feature"`
	State        RunState                 `json:"state"`
	CurrentLevel int                      `json:"current_level"`
	Paused       bool                     `json:"paused"`
	Error        string                   `json:"error,omitempty"`
	Totals       Totals                   `json:"totals"`
	Tasks        map[string]*TaskRecord   `json:"tasks"`
	Workers      map[string]*WorkerRecord `json:"workers"`
	Events       []Event                  `json:"events,omitempty"`
	UpdatedAt    time.Time                `json:"updated_at"`

	// extra preserves unknown top-level fields so records written by a
	// newer version survive a load/save cycle here.
	extra map[string]json.RawMessage
}

// NewRunRecord creates a fresh record for a feature.
func NewRunRecord(feature string) *RunRecord {
	return &RunRecord{
		Feature: feature,
		State:   RunIdle,
		Tasks:   make(map[string]*TaskRecord),
		Workers: make(map[string]*WorkerRecord),
	}
}

// AppendEvent adds an event to the bounded in-record log.
func (r *RunRecord) AppendEvent(e Event) {
	r.Events = append(r.Events, e)
	if len(r.Events) > MaxEvents {
		r.Events = r.Events[len(r.Events)-MaxEvents:]
	}
}

// knownRunFields mirrors the JSON keys of RunRecord.
var knownRunFields = map[string]bool{
	"feature": true, "state": true, "current_level": true, "paused": true,
	"error": true, "totals": true, "tasks": true, "workers": true,
	"events": true, "updated_at": true,
}

type runRecordAlias RunRecord

// UnmarshalJSON decodes the record and stashes unknown top-level fields.
func (r *RunRecord) UnmarshalJSON(data []byte) error {
	var alias runRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownRunFields[k] {
			delete(raw, k)
		}
	}
	*r = RunRecord(alias)
	if len(raw) > 0 {
		r.extra = raw
	}
	if r.Tasks == nil {
		r.Tasks = make(map[string]*TaskRecord)
	}
	if r.Workers == nil {
		r.Workers = make(map[string]*WorkerRecord)
	}
	return nil
}

// MarshalJSON re-emits the record including any preserved unknown fields.
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(runRecordAlias(*r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
