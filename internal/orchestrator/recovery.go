package orchestrator

import (
	"time"

	"zerg/internal/events"
	"zerg/internal/state"
)

// recoverLocked reverts interrupted work on resume: every task left in
// claimed or in_progress returns to pending, retry counter unchanged,
// including tasks whose worker is still alive (logged as orphaned). Tasks
// marked stale by
// a forced stop are re-queued the same way.
func (o *Orchestrator) recoverLocked(now time.Time) {
	for taskID, tr := range o.run.Tasks {
		switch tr.Status {
		case state.TaskClaimed, state.TaskInProgress:
			workerID := tr.Worker
			if o.workerAliveLocked(workerID) {
				// Liveness cannot be confirmed as ours after a restart;
				// the owning orchestrator is gone, so the worker is
				// orphaned either way.
				o.logger.Warn("orphaned worker still running, reclaiming task", "task", taskID, "worker", workerID)
			}
			tr.Transition(state.TaskPending, now)
			tr.Worker = ""
			delete(o.run.Workers, workerID)
			o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindRecovery, TaskID: taskID, Message: "reverted to pending on resume"})
			o.events.Info(events.KindRecovery, taskID, "task reverted to pending on resume", map[string]any{"worker": workerID})
			o.logger.Info("recovered task", "task", taskID, "previous_worker", workerID)

		case state.TaskStale:
			tr.Transition(state.TaskPending, now)
			tr.Worker = ""
			o.run.AppendEvent(state.Event{Ts: now, Kind: events.KindRecovery, TaskID: taskID, Message: "stale task re-queued on resume"})
			o.events.Info(events.KindRecovery, taskID, "stale task re-queued on resume", nil)
		}
	}

	// Workers without a task are leftovers from the interrupted run.
	for workerID, w := range o.run.Workers {
		if _, stillReferenced := o.run.Tasks[w.TaskID]; !stillReferenced || o.run.Tasks[w.TaskID].Worker != workerID {
			delete(o.run.Workers, workerID)
		}
	}
}

// workerAliveLocked checks process presence and heartbeat recency for a
// worker recorded in the run.
func (o *Orchestrator) workerAliveLocked(workerID string) bool {
	w, ok := o.run.Workers[workerID]
	if !ok {
		return false
	}
	if !IsProcessRunning(w.PID) {
		return false
	}
	age, ok := HeartbeatAge(o.logDir, workerID)
	if !ok {
		return false
	}
	return age <= o.cfg.HeartbeatStaleness
}
