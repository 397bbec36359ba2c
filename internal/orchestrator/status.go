package orchestrator

import (
	"fmt"
	"sort"

	"zerg/internal/state"
)

// LevelStatus summarizes one level's task counts by status.
type LevelStatus struct {
	Level  int                      `json:"level"`
	Counts map[state.TaskStatus]int `json:"counts"`
}

// Snapshot is the read-only view get_status returns. Building it has no
// side effects; repeated calls against an unchanged store are equal.
type Snapshot struct {
	Feature      string                `json:"feature"`
	State        state.RunState        `json:"state"`
	CurrentLevel int                   `json:"current_level"`
	Paused       bool                  `json:"paused"`
	Error        string                `json:"error,omitempty"`
	Totals       state.Totals          `json:"totals"`
	Levels       []LevelStatus         `json:"levels"`
	Workers      []state.WorkerRecord  `json:"workers"`
	Events       []state.Event         `json:"events"`
}

// Status reads a feature's snapshot from the store. A level argument > 0
// restricts the per-level breakdown to that level. A feature without a
// record reports IDLE.
func Status(store *state.Store, feature string, level int) (*Snapshot, error) {
	record, err := store.Load(feature)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Snapshot{Feature: feature, State: state.RunIdle}, nil
	}
	return snapshotOf(record, level), nil
}

// StatusOf builds the snapshot for a loaded record.
func StatusOf(record *state.RunRecord, level int) *Snapshot {
	return snapshotOf(record, level)
}

func snapshotOf(record *state.RunRecord, level int) *Snapshot {
	snap := &Snapshot{
		Feature:      record.Feature,
		State:        record.State,
		CurrentLevel: record.CurrentLevel,
		Paused:       record.Paused,
		Error:        record.Error,
		Totals:       record.Totals,
		Events:       record.Events,
	}

	byLevel := make(map[int]map[state.TaskStatus]int)
	for _, tr := range record.Tasks {
		if level > 0 && tr.Level != level {
			continue
		}
		counts, ok := byLevel[tr.Level]
		if !ok {
			counts = make(map[state.TaskStatus]int)
			byLevel[tr.Level] = counts
		}
		counts[tr.Status]++
	}

	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for _, l := range levels {
		snap.Levels = append(snap.Levels, LevelStatus{Level: l, Counts: byLevel[l]})
	}

	workerIDs := make([]string, 0, len(record.Workers))
	for id := range record.Workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)
	for _, id := range workerIDs {
		snap.Workers = append(snap.Workers, *record.Workers[id])
	}

	return snap
}

// Summary renders a one-line description for logs and notifications.
func (s *Snapshot) Summary() string {
	return fmt.Sprintf("%s: %s (level %d, %d completed, %d failed, %d retried)",
		s.Feature, s.State, s.CurrentLevel, s.Totals.Completed, s.Totals.Failed, s.Totals.Retried)
}
