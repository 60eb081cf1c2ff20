package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStores is the in-memory backend used by standalone mode without
// persistence and by tests. Safe for concurrent use.
type MemoryStores struct {
	mu            sync.Mutex
	agents        map[string]*Agent
	registrations map[string]*Registration
	deliveries    map[string]*Delivery
	sessions      map[string]*Session
	messages      map[string]*Message
	schedules     map[string]*Schedule
}

// NewMemoryStores returns an empty in-memory backend wired into a Stores
// container.
func NewMemoryStores() (*MemoryStores, *Stores) {
	m := &MemoryStores{
		agents:        make(map[string]*Agent),
		registrations: make(map[string]*Registration),
		deliveries:    make(map[string]*Delivery),
		sessions:      make(map[string]*Session),
		messages:      make(map[string]*Message),
		schedules:     make(map[string]*Schedule),
	}
	return m, &Stores{
		Agents:        m,
		Registrations: m,
		Deliveries:    m,
		Sessions:      m,
		Messages:      m,
		Schedules:     m,
	}
}

// PutAgent seeds or replaces an agent.
func (m *MemoryStores) PutAgent(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
}

// GetAgent implements AgentStore.
func (m *MemoryStores) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &StoreError{Op: "GetAgent", Err: ErrNotFound}
	}
	cp := *a
	return &cp, nil
}

// PutRegistration seeds or replaces a registration.
func (m *MemoryStores) PutRegistration(r *Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	m.registrations[r.ID] = &cp
}

// FindRegistrationsForRepo implements RegistrationStore.
func (m *MemoryStores) FindRegistrationsForRepo(ctx context.Context, repo string) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Registration
	for _, r := range m.registrations {
		if r.Repo == repo {
			out = append(out, *r)
		}
	}
	return out, nil
}

// IncrementTriggerCount implements RegistrationStore.
func (m *MemoryStores) IncrementTriggerCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[id]
	if !ok {
		return &StoreError{Op: "IncrementTriggerCount", Err: ErrNotFound}
	}
	r.TriggerCount++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateDelivery implements DeliveryStore.
func (m *MemoryStores) CreateDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

// UpdateDeliveryStatus implements DeliveryStore. The lifecycle is
// monotonic; attempts to move backwards are rejected.
func (m *MemoryStores) UpdateDeliveryStatus(ctx context.Context, id, status string, upd DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return &StoreError{Op: "UpdateDeliveryStatus", Err: ErrNotFound}
	}
	if deliveryRank(status) < deliveryRank(d.Status) {
		return &StoreError{Op: "UpdateDeliveryStatus", Err: fmt.Errorf("cannot move delivery from %s to %s", d.Status, status)}
	}
	d.Status = status
	if upd.Result != "" {
		d.Result = upd.Result
	}
	if upd.SessionID != "" {
		d.SessionID = upd.SessionID
	}
	if upd.WorkTaskID != "" {
		d.WorkTaskID = upd.WorkTaskID
	}
	return nil
}

// GetDelivery implements DeliveryStore.
func (m *MemoryStores) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, &StoreError{Op: "GetDelivery", Err: ErrNotFound}
	}
	cp := *d
	return &cp, nil
}

// Deliveries returns a snapshot of all deliveries, for tests and
// observers.
func (m *MemoryStores) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, *d)
	}
	return out
}

// CreateSession implements SessionStore.
func (m *MemoryStores) CreateSession(ctx context.Context, projectID, agentID, name, initialPrompt, source string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		AgentID:       agentID,
		Name:          name,
		InitialPrompt: initialPrompt,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

// CreateMessage implements MessageStore.
func (m *MemoryStores) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

// UpdateMessageStatus implements MessageStore.
func (m *MemoryStores) UpdateMessageStatus(ctx context.Context, id, status, route string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return &StoreError{Op: "UpdateMessageStatus", Err: ErrNotFound}
	}
	msg.Status = status
	msg.Route = route
	return nil
}

// Messages returns a snapshot of all message records.
func (m *MemoryStores) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, *msg)
	}
	return out
}

// PutSchedule seeds or replaces a schedule.
func (m *MemoryStores) PutSchedule(s *Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	m.schedules[s.ID] = &cp
}

// ListSchedules implements ScheduleStore.
func (m *MemoryStores) ListSchedules(ctx context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	return out, nil
}

// MarkScheduleRun implements ScheduleStore.
func (m *MemoryStores) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return &StoreError{Op: "MarkScheduleRun", Err: ErrNotFound}
	}
	t := at
	s.LastRunAt = &t
	return nil
}

func deliveryRank(status string) int {
	switch status {
	case DeliveryPending:
		return 0
	case DeliveryProcessing:
		return 1
	case DeliveryCompleted, DeliveryFailed:
		return 2
	default:
		return -1
	}
}
