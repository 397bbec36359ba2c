package history

import (
	"time"

	"zerg/internal/state"
)

// RecordRun archives a finished run record: one run outcome plus one task
// outcome per terminal task. Durations span first claim to last
// transition.
func RecordRun(store Store, record *state.RunRecord) error {
	for taskID, tr := range record.Tasks {
		if !tr.Status.Terminal() {
			continue
		}
		outcome := TaskOutcome{
			Feature: record.Feature,
			TaskID:  taskID,
			Level:   tr.Level,
			Status:  string(tr.Status),
			Retries: tr.RetryCount,
			Error:   tr.LastError,
		}
		claimed, finished := taskSpan(tr)
		if !claimed.IsZero() && !finished.IsZero() {
			outcome.DurationSeconds = finished.Sub(claimed).Seconds()
		}
		if err := store.RecordTask(outcome); err != nil {
			return err
		}
	}

	return store.RecordRun(RunOutcome{
		Feature:   record.Feature,
		State:     string(record.State),
		Completed: record.Totals.Completed,
		Failed:    record.Totals.Failed,
		Retried:   record.Totals.Retried,
	})
}

func taskSpan(tr *state.TaskRecord) (claimed, finished time.Time) {
	for _, tran := range tr.Transitions {
		if tran.Status == state.TaskClaimed && claimed.IsZero() {
			claimed = tran.At
		}
	}
	if len(tr.Transitions) > 0 {
		finished = tr.Transitions[len(tr.Transitions)-1].At
	}
	return claimed, finished
}
