package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGSessionStore(db *sql.DB, met *metrics.Metrics) *PGSessionStore {
	return &PGSessionStore{db: db, met: met}
}

func (s *PGSessionStore) CreateSession(ctx context.Context, projectID, agentID, name, initialPrompt, source string) (*store.Session, error) {
	defer observe(s.met, "CreateSession", time.Now())

	sess := &store.Session{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		AgentID:       agentID,
		Name:          name,
		InitialPrompt: initialPrompt,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, agent_id, name, initial_prompt, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.ProjectID, sess.AgentID, sess.Name, sess.InitialPrompt, sess.Source, sess.CreatedAt)
	if err != nil {
		return nil, &store.StoreError{Op: "CreateSession", Err: err}
	}
	return sess, nil
}
