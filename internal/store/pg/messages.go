package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGMessageStore(db *sql.DB, met *metrics.Metrics) *PGMessageStore {
	return &PGMessageStore{db: db, met: met}
}

func (s *PGMessageStore) CreateMessage(ctx context.Context, m *store.Message) error {
	defer observe(s.met, "CreateMessage", time.Now())

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = store.MessagePending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, from_agent, to_agent, thread_id, content, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.FromAgent, m.ToAgent, m.ThreadID, m.Content, m.Status, m.CreatedAt)
	if err != nil {
		return &store.StoreError{Op: "CreateMessage", Err: err}
	}
	return nil
}

func (s *PGMessageStore) UpdateMessageStatus(ctx context.Context, id, status, route string) error {
	defer observe(s.met, "UpdateMessageStatus", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET status = $2, route = $3 WHERE id = $1`,
		id, status, route)
	if err != nil {
		return &store.StoreError{Op: "UpdateMessageStatus", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "UpdateMessageStatus", Err: store.ErrNotFound}
	}
	return nil
}
