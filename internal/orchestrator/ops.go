package orchestrator

import (
	"fmt"
	"time"

	"zerg/internal/lockfile"
	"zerg/internal/state"
)

// RetryTasks is the operator-facing retry: failed tasks transition back to
// pending so a subsequent resumed start dispatches them again. Retry
// counters are never decreased. The feature lock must be free; the
// operation checkpoints before returning.
func RetryTasks(store *state.Store, lock *lockfile.Lock, feature, taskID string, allFailed bool) ([]string, error) {
	if holder := lock.Check(); holder != nil {
		return nil, fmt.Errorf("feature %q is locked by pid %d; stop the running orchestrator first", feature, holder.PID)
	}

	record, err := store.Load(feature)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("no run record for feature %q", feature)
	}

	now := time.Now().UTC()
	var retried []string

	reset := func(id string, tr *state.TaskRecord) {
		tr.Transition(state.TaskPending, now)
		tr.Worker = ""
		tr.LastError = ""
		retried = append(retried, id)
	}

	if allFailed {
		for id, tr := range record.Tasks {
			if tr.Status == state.TaskFailed {
				reset(id, tr)
			}
		}
	} else {
		tr, ok := record.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("unknown task %q", taskID)
		}
		if tr.Status != state.TaskFailed {
			return nil, fmt.Errorf("task %q is %s, only failed tasks can be retried", taskID, tr.Status)
		}
		reset(taskID, tr)
	}

	if len(retried) == 0 {
		return nil, fmt.Errorf("no failed tasks to retry")
	}

	// The run becomes resumable again.
	record.State = state.RunIdle
	record.Error = ""

	if err := store.Save(feature, record); err != nil {
		return nil, err
	}
	return retried, nil
}
