package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGScheduleStore implements store.ScheduleStore backed by Postgres.
type PGScheduleStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGScheduleStore(db *sql.DB, met *metrics.Metrics) *PGScheduleStore {
	return &PGScheduleStore{db: db, met: met}
}

func (s *PGScheduleStore) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	defer observe(s.met, "ListSchedules", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, cron_expr, prompt, enabled, last_run_at FROM schedules`)
	if err != nil {
		return nil, &store.StoreError{Op: "ListSchedules", Err: err}
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		var (
			sc      store.Schedule
			lastRun sql.NullTime
		)
		if err := rows.Scan(&sc.ID, &sc.AgentID, &sc.CronExpr, &sc.Prompt, &sc.Enabled, &lastRun); err != nil {
			return nil, &store.StoreError{Op: "ListSchedules", Err: err}
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StoreError{Op: "ListSchedules", Err: err}
	}
	return out, nil
}

func (s *PGScheduleStore) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	defer observe(s.met, "MarkScheduleRun", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return &store.StoreError{Op: "MarkScheduleRun", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "MarkScheduleRun", Err: store.ErrNotFound}
	}
	return nil
}
