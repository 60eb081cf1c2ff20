package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// PGDeliveryStore implements store.DeliveryStore backed by Postgres.
type PGDeliveryStore struct {
	db  *sql.DB
	met *metrics.Metrics
}

func NewPGDeliveryStore(db *sql.DB, met *metrics.Metrics) *PGDeliveryStore {
	return &PGDeliveryStore{db: db, met: met}
}

func (s *PGDeliveryStore) CreateDelivery(ctx context.Context, d *store.Delivery) error {
	defer observe(s.met, "CreateDelivery", time.Now())

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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.RegistrationID, d.Event, d.Action, d.Repo, d.Sender, d.Body, d.HTMLURL, d.Status, d.CreatedAt)
	if err != nil {
		return &store.StoreError{Op: "CreateDelivery", Err: err}
	}
	return nil
}

// UpdateDeliveryStatus enforces the monotonic lifecycle in SQL: the
// update only applies when the new status does not rank below the
// current one.
func (s *PGDeliveryStore) UpdateDeliveryStatus(ctx context.Context, id, status string, upd store.DeliveryUpdate) error {
	defer observe(s.met, "UpdateDeliveryStatus", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2,
		     result = COALESCE(NULLIF($3, ''), result),
		     session_id = COALESCE(NULLIF($4, ''), session_id),
		     work_task_id = COALESCE(NULLIF($5, ''), work_task_id)
		 WHERE id = $1
		   AND CASE status WHEN 'pending' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END
		       <= CASE $2 WHEN 'pending' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END`,
		id, status, upd.Result, upd.SessionID, upd.WorkTaskID)
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

func (s *PGDeliveryStore) GetDelivery(ctx context.Context, id string) (*store.Delivery, error) {
	defer observe(s.met, "GetDelivery", time.Now())

	var (
		d                           store.Delivery
		result, sessionID, workTask sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, registration_id, event, action, repo, sender, body, html_url,
		        session_id, work_task_id, status, result, created_at
		 FROM webhook_deliveries WHERE id = $1`, id,
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
