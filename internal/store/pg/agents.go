package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGAgentStore implements store.AgentStore backed by Postgres.
type PGAgentStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGAgentStore(db *sql.DB, met *metrics.Metrics) *PGAgentStore {
	return &PGAgentStore{db: db, met: met}
}

func (s *PGAgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	defer observe(s.met, "GetAgent", time.Now())

	var (
		a        store.Agent
		caps     []byte
		lastSeen sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, capabilities, active, last_seen, trust_score
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Address, &caps, &a.Active, &lastSeen, &a.TrustScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.StoreError{Op: "GetAgent", Err: store.ErrNotFound}
	}
	if err != nil {
		return nil, &store.StoreError{Op: "GetAgent", Err: err}
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, &store.StoreError{Op: "GetAgent", Err: err}
		}
	}
	if lastSeen.Valid {
		a.LastSeen = lastSeen.Time
	}
	return &a, nil
}
