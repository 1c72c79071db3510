package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"grimm.is/fleetwall/internal/events"
	"grimm.is/fleetwall/internal/logging"
)

// ApplyRecord is one ruleset apply attempt.
type ApplyRecord struct {
	ID        int64
	HostID    string
	AppliedAt time.Time
	Rules     int
	Duration  time.Duration
	Error     string
}

// RecordApply appends an apply attempt to the host's history.
func (s *SQLiteStore) RecordApply(ctx context.Context, rec ApplyRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO apply_history (host_id, applied_at, rules, duration_ms, error)
			VALUES (?, datetime('now'), ?, ?, ?)`,
			rec.HostID, rec.Rules, rec.Duration.Milliseconds(), rec.Error)
		return err
	})
}

// ApplyHistory returns up to limit of a host's newest apply records, newest
// first.
func (s *SQLiteStore) ApplyHistory(ctx context.Context, hostID string, limit int) ([]ApplyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, host_id, applied_at, rules, duration_ms, error
		FROM apply_history WHERE host_id = ? ORDER BY id DESC LIMIT ?`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query apply history: %w", err)
	}
	defer rows.Close()

	var out []ApplyRecord
	for rows.Next() {
		var (
			rec     ApplyRecord
			applied string
			ms      int64
		)
		if err := rows.Scan(&rec.ID, &rec.HostID, &applied, &rec.Rules, &ms, &rec.Error); err != nil {
			return nil, err
		}
		rec.AppliedAt = parseTime(applied)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneApplyHistory deletes apply records older than before and returns how
// many went.
func (s *SQLiteStore) PruneApplyHistory(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM apply_history WHERE applied_at < ?`,
			before.UTC().Format(sqliteTimeFormat))
		if err != nil {
			return fmt.Errorf("failed to prune apply history: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// HistoryRecorder writes ruleset outcomes published on the hub into the
// store.
type HistoryRecorder struct {
	store  *SQLiteStore
	hub    *events.Hub
	logger *logging.Logger
}

// NewHistoryRecorder creates a recorder.
func NewHistoryRecorder(store *SQLiteStore, hub *events.Hub, logger *logging.Logger) *HistoryRecorder {
	if logger == nil {
		logger = logging.WithComponent("history")
	}
	return &HistoryRecorder{store: store, hub: hub, logger: logger}
}

// Run records events until ctx is done.
func (r *HistoryRecorder) Run(ctx context.Context) {
	ch := r.hub.Subscribe(256, events.EventRulesetApplied, events.EventRulesetFailed)
	defer r.hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			data, ok := e.Data.(events.RulesetData)
			if !ok {
				continue
			}
			rec := ApplyRecord{HostID: data.HostID, Rules: data.Rules, Duration: data.Duration, Error: data.Error}
			if err := r.store.RecordApply(ctx, rec); err != nil {
				r.logger.Warn("failed to record apply", "host", data.HostID, "error", err)
			}
		}
	}
}
