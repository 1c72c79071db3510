package scheduler

import (
	"context"
	"time"

	"grimm.is/fleetwall/internal/clock"
)

// Resyncer queues a recompute of every host. *controller.Controller
// implements it.
type Resyncer interface {
	Resync()
}

// HistoryPruner deletes apply records older than a cutoff.
// *state.SQLiteStore implements it.
type HistoryPruner interface {
	PruneApplyHistory(ctx context.Context, before time.Time) (int64, error)
}

// ResyncTask re-asserts every host's ruleset on a schedule, correcting drift
// from changes made outside the controller.
func ResyncTask(r Resyncer, sched Schedule) *Task {
	return &Task{
		ID:       "resync",
		Name:     "Fleet ruleset resync",
		Schedule: sched,
		Func: func(context.Context) error {
			r.Resync()
			return nil
		},
	}
}

// PruneHistoryTask drops apply history older than retention.
func PruneHistoryTask(p HistoryPruner, sched Schedule, retention time.Duration) *Task {
	return &Task{
		ID:         "prune-history",
		Name:       "Apply history pruning",
		Schedule:   sched,
		RunOnStart: true,
		Timeout:    time.Minute,
		Func: func(ctx context.Context) error {
			_, err := p.PruneApplyHistory(ctx, clock.Now().Add(-retention))
			return err
		},
	}
}
