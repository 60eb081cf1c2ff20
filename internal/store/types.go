// Package store defines the persistence contracts the messaging core
// depends on, plus an in-memory implementation. Postgres and SQLite
// backends live in the pg and sqlite subpackages.
//
// The core holds transient references only; rows are owned by the store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// StoreError wraps a backend failure with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Agent is the stored agent descriptor.
type Agent struct {
	ID           string
	Name         string
	Address      string
	Capabilities []string
	Active       bool
	LastSeen     time.Time
	TrustScore   float64
}

// Registration statuses.
const (
	RegistrationActive = "active"
	RegistrationPaused = "paused"
)

// Registration binds one agent to external events on one repository.
type Registration struct {
	ID           string
	AgentID      string
	Repo         string
	Events       []string
	MentionUser  string
	ProjectID    string
	Status       string
	TriggerCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Delivery statuses. The lifecycle is monotonic:
// pending → processing → {completed, failed}.
const (
	DeliveryPending    = "pending"
	DeliveryProcessing = "processing"
	DeliveryCompleted  = "completed"
	DeliveryFailed     = "failed"
)

// Delivery records one attempt to dispatch one external event to one
// registration.
type Delivery struct {
	ID             string
	RegistrationID string
	Event          string
	Action         string
	Repo           string
	Sender         string
	Body           string
	HTMLURL        string
	SessionID      string
	WorkTaskID     string
	Status         string
	Result         string
	CreatedAt      time.Time
}

// DeliveryUpdate carries the optional fields of a status update.
type DeliveryUpdate struct {
	Result     string
	SessionID  string
	WorkTaskID string
}

// Session is an agent work session started by a dispatch.
type Session struct {
	ID            string
	ProjectID     string
	AgentID       string
	Name          string
	InitialPrompt string
	Source        string
	CreatedAt     time.Time
}

// Message statuses used by the mesh router.
const (
	MessagePending = "pending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
)

// Message is the routing record written before transport.
type Message struct {
	ID        string
	FromAgent string
	ToAgent   string
	ThreadID  string
	Content   []byte
	Status    string
	Route     string
	CreatedAt time.Time
}

// Schedule is a cron-expression trigger for an agent.
type Schedule struct {
	ID        string
	AgentID   string
	CronExpr  string
	Prompt    string
	Enabled   bool
	LastRunAt *time.Time
}

// AgentStore resolves agent descriptors.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// RegistrationStore resolves webhook registrations.
type RegistrationStore interface {
	FindRegistrationsForRepo(ctx context.Context, repo string) ([]Registration, error)
	IncrementTriggerCount(ctx context.Context, id string) error
}

// DeliveryStore records dispatch attempts.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	UpdateDeliveryStatus(ctx context.Context, id, status string, upd DeliveryUpdate) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
}

// SessionStore creates work sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, projectID, agentID, name, initialPrompt, source string) (*Session, error)
}

// MessageStore records mesh routing attempts.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	UpdateMessageStatus(ctx context.Context, id, status, route string) error
}

// ScheduleStore lists cron triggers.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
}

// Stores is the top-level container handed to the wiring code. Backends
// that do not support a concern leave it nil.
type Stores struct {
	Agents        AgentStore
	Registrations RegistrationStore
	Deliveries    DeliveryStore
	Sessions      SessionStore
	Messages      MessageStore
	Schedules     ScheduleStore
}
