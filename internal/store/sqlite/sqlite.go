// Package sqlite implements the store contracts on a local SQLite file
// via database/sql with the modernc pure-Go driver. It backs standalone
// mode, where no Postgres is available.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// schema is applied on open. Standalone mode has no migration history;
// the schema is small enough to create idempotently.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	active       INTEGER NOT NULL DEFAULT 1,
	last_seen    TIMESTAMP,
	trust_score  REAL NOT NULL DEFAULT 0.5
);

CREATE TABLE IF NOT EXISTS webhook_registrations (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	repo          TEXT NOT NULL,
	events        TEXT NOT NULL DEFAULT '[]',
	mention_user  TEXT NOT NULL DEFAULT '',
	project_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	trigger_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registrations_repo ON webhook_registrations(repo);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id              TEXT PRIMARY KEY,
	registration_id TEXT NOT NULL,
	event           TEXT NOT NULL,
	action          TEXT NOT NULL DEFAULT '',
	repo            TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	html_url        TEXT NOT NULL DEFAULT '',
	session_id      TEXT,
	work_task_id    TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	result          TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	initial_prompt TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_messages (
	id         TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL,
	thread_id  TEXT NOT NULL DEFAULT '',
	content    BLOB,
	status     TEXT NOT NULL DEFAULT 'pending',
	route      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	cron_expr   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP
);
`

// Open opens (creating if needed) the standalone database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite file. The
// first return value owns the handle; close it on shutdown.
func NewSQLiteStores(path string) (*SQLiteStores, *store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	s := &SQLiteStores{db: db}
	return s, &store.Stores{
		Agents:        s,
		Registrations: s,
		Deliveries:    s,
		Sessions:      s,
		Messages:      s,
		Schedules:     s,
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStores) Close() error { return s.db.Close() }

// SQLiteStores implements every store contract on one database handle.
type SQLiteStores struct {
	db *sql.DB
}

func (s *SQLiteStores) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	var (
		a        store.Agent
		caps     string
		lastSeen sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, capabilities, active, last_seen, trust_score
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Address, &caps, &a.Active, &lastSeen, &a.TrustScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.StoreError{Op: "GetAgent", Err: store.ErrNotFound}
	}
	if err != nil {
		return nil, &store.StoreError{Op: "GetAgent", Err: err}
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, &store.StoreError{Op: "GetAgent", Err: err}
		}
	}
	if lastSeen.Valid {
		a.LastSeen = lastSeen.Time
	}
	return &a, nil
}

func (s *SQLiteStores) FindRegistrationsForRepo(ctx context.Context, repo string) ([]store.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, repo, events, mention_user, project_id, status,
		        trigger_count, created_at, updated_at
		 FROM webhook_registrations WHERE repo = ?`, repo)
	if err != nil {
		return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
	}
	defer rows.Close()

	var out []store.Registration
	for rows.Next() {
		var (
			r      store.Registration
			events string
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Repo, &events, &r.MentionUser,
			&r.ProjectID, &r.Status, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, &store.StoreError{Op: "FindRegistrationsForRepo", Err: err}
		}
		if events != "" {
			if err := json.Unmarshal([]byte(events), &r.Events); err != nil {
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

func (s *SQLiteStores) IncrementTriggerCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_registrations
		 SET trigger_count = trigger_count + 1, updated_at = ?
		 WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return &store.StoreError{Op: "IncrementTriggerCount", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "IncrementTriggerCount", Err: store.ErrNotFound}
	}
	return nil
}

func (s *SQLiteStores) CreateDelivery(ctx context.Context, d *store.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = store.DeliveryPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries
		   (id, registration_id, event, action, repo, sender, body, html_url, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RegistrationID, d.Event, d.Action, d.Repo, d.Sender, d.Body, d.HTMLURL, d.Status, d.CreatedAt)
	if err != nil {
		return &store.StoreError{Op: "CreateDelivery", Err: err}
	}
	return nil
}

func (s *SQLiteStores) UpdateDeliveryStatus(ctx context.Context, id, status string, upd store.DeliveryUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = ?1,
		     result = COALESCE(NULLIF(?2, ''), result),
		     session_id = COALESCE(NULLIF(?3, ''), session_id),
		     work_task_id = COALESCE(NULLIF(?4, ''), work_task_id)
		 WHERE id = ?5
		   AND CASE status WHEN 'pending' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END
		       <= CASE ?1 WHEN 'pending' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END`,
		status, upd.Result, upd.SessionID, upd.WorkTaskID, id)
	if err != nil {
		return &store.StoreError{Op: "UpdateDeliveryStatus", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, gerr := s.GetDelivery(ctx, id)
		if gerr != nil {
			return gerr
		}
		return &store.StoreError{
			Op:  "UpdateDeliveryStatus",
			Err: fmt.Errorf("cannot move delivery from %s to %s", cur.Status, status),
		}
	}
	return nil
}

func (s *SQLiteStores) GetDelivery(ctx context.Context, id string) (*store.Delivery, error) {
	var (
		d                           store.Delivery
		result, sessionID, workTask sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, registration_id, event, action, repo, sender, body, html_url,
		        session_id, work_task_id, status, result, created_at
		 FROM webhook_deliveries WHERE id = ?`, id,
	).Scan(&d.ID, &d.RegistrationID, &d.Event, &d.Action, &d.Repo, &d.Sender, &d.Body,
		&d.HTMLURL, &sessionID, &workTask, &d.Status, &result, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.StoreError{Op: "GetDelivery", Err: store.ErrNotFound}
	}
	if err != nil {
		return nil, &store.StoreError{Op: "GetDelivery", Err: err}
	}
	d.Result = result.String
	d.SessionID = sessionID.String
	d.WorkTaskID = workTask.String
	return &d, nil
}

func (s *SQLiteStores) CreateSession(ctx context.Context, projectID, agentID, name, initialPrompt, source string) (*store.Session, error) {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.AgentID, sess.Name, sess.InitialPrompt, sess.Source, sess.CreatedAt)
	if err != nil {
		return nil, &store.StoreError{Op: "CreateSession", Err: err}
	}
	return sess, nil
}

func (s *SQLiteStores) CreateMessage(ctx context.Context, m *store.Message) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromAgent, m.ToAgent, m.ThreadID, m.Content, m.Status, m.CreatedAt)
	if err != nil {
		return &store.StoreError{Op: "CreateMessage", Err: err}
	}
	return nil
}

func (s *SQLiteStores) UpdateMessageStatus(ctx context.Context, id, status, route string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET status = ?, route = ? WHERE id = ?`, status, route, id)
	if err != nil {
		return &store.StoreError{Op: "UpdateMessageStatus", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "UpdateMessageStatus", Err: store.ErrNotFound}
	}
	return nil
}

func (s *SQLiteStores) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
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

func (s *SQLiteStores) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return &store.StoreError{Op: "MarkScheduleRun", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.StoreError{Op: "MarkScheduleRun", Err: store.ErrNotFound}
	}
	return nil
}
