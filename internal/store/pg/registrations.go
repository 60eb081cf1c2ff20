package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGRegistrationStore implements store.RegistrationStore backed by
// Postgres.
type PGRegistrationStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGRegistrationStore(db *sql.DB, met *metrics.Metrics) *PGRegistrationStore {
	return &PGRegistrationStore{db: db, met: met}
}

func (s *PGRegistrationStore) FindRegistrationsForRepo(ctx context.Context, repo string) ([]store.Registration, error) {
	defer observe(s.met, "FindRegistrationsForRepo", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, repo, events, mention_user, project_id, status,
		        trigger_count, created_at, updated_at
		 FROM webhook_registrations WHERE repo = $1`, repo)
	if err != nil {
		return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
	}
	defer rows.Close()

	var out []store.Registration
	for rows.Next() {
		var (
			r      store.Registration
			events []byte
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Repo, &events, &r.MentionUser,
			&r.ProjectID, &r.Status, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
		}
		if len(events) > 0 {
			if err := json.Unmarshal(events, &r.Events); err != nil {
				return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
	}
	return out, nil
}

func (s *PGRegistrationStore) IncrementTriggerCount(ctx context.Context, id string) error {
	defer observe(s.met, "IncrementTriggerCount", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_registrations
		 SET trigger_count = trigger_count + 1, updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return &store.StoreError{Op: "IncrementTriggerCount", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "IncrementTriggerCount", Err: store.ErrNotFound}
	}
	return nil
}
