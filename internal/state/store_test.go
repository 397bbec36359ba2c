package state

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	record := NewRunRecord("auth")
	record.State = RunRunning
	record.CurrentLevel = 2
	tr := &TaskRecord{Level: 1}
	tr.Transition(TaskPending, time.Now().UTC())
	tr.Transition(TaskClaimed, time.Now().UTC())
	record.Tasks["T1.1"] = tr
	record.Totals.Completed = 3

	require.NoError(t, store.Save("auth", record))

	loaded, err := store.Load("auth")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "auth", loaded.Feature)
	assert.Equal(t, RunRunning, loaded.State)
	assert.Equal(t, 2, loaded.CurrentLevel)
	assert.Equal(t, 3, loaded.Totals.Completed)
	require.Contains(t, loaded.Tasks, "T1.1")
	assert.Equal(t, TaskClaimed, loaded.Tasks["T1.1"].Status)
	assert.Len(t, loaded.Tasks["T1.1"].Transitions, 2)
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	record, err := store.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStore_CorruptRecordIsHardFailure(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("broken"), []byte("{not json"), 0o644))

	_, err := store.Load("broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptState))
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("f", NewRunRecord("f")))
	require.NoError(t, store.Save("f", NewRunRecord("f")))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f.json", entries[0].Name())
}

func TestStore_SaveReplacesAtomically(t *testing.T) {
	store := newTestStore(t)

	first := NewRunRecord("f")
	first.CurrentLevel = 1
	require.NoError(t, store.Save("f", first))

	second := NewRunRecord("f")
	second.CurrentLevel = 2
	require.NoError(t, store.Save("f", second))

	loaded, err := store.Load("f")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentLevel)
}

func TestStore_ExistsAndList(t *testing.T) {
	store := newTestStore(t)
	assert.False(t, store.Exists("a"))

	require.NoError(t, store.Save("a", NewRunRecord("a")))
	require.NoError(t, store.Save("b", NewRunRecord("b")))

	assert.True(t, store.Exists("a"))
	features, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, features)
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("../evil")
	assert.Error(t, err)
	assert.Error(t, store.Save("a/b", NewRunRecord("x")))
	assert.False(t, store.Exists("../evil"))
}

func TestRunRecord_UnknownFieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	doc := `{
		"feature": "fwd",
		"state": "RUNNING",
		"current_level": 1,
		"paused": false,
		"totals": {"completed": 0, "failed": 0, "retried": 0},
		"tasks": {},
		"workers": {},
		"updated_at": "2026-01-02T03:04:05Z",
		"future_field": {"nested": [1, 2, 3]}
	}`
	require.NoError(t, os.WriteFile(store.Path("fwd"), []byte(doc), 0o644))

	record, err := store.Load("fwd")
	require.NoError(t, err)
	require.NoError(t, store.Save("fwd", record))

	data, err := os.ReadFile(store.Path("fwd"))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "future_field")
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(raw["future_field"]))
}

func TestRunRecord_AppendEventIsBounded(t *testing.T) {
	record := NewRunRecord("f")
	for i := 0; i < MaxEvents+50; i++ {
		record.AppendEvent(Event{Kind: "task_completed"})
	}
	assert.Len(t, record.Events, MaxEvents)
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskComplete, TaskFailed, TaskStale}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	open := []TaskStatus{TaskPending, TaskClaimed, TaskInProgress}
	for _, s := range open {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestTaskRecord_TransitionHistory(t *testing.T) {
	tr := &TaskRecord{}
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	tr.Transition(TaskPending, base)
	tr.Transition(TaskClaimed, base.Add(time.Second))
	tr.Transition(TaskInProgress, base.Add(2*time.Second))

	assert.Equal(t, TaskInProgress, tr.Status)
	assert.Equal(t, base.Add(2*time.Second), tr.LastTransition())
	assert.Equal(t, TaskPending, tr.Transitions[0].Status)
}
