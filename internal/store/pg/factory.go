package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// met may be nil when metrics are disabled.
func NewPGStores(dsn string, met *metrics.Metrics) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{
		Agents:        NewPGAgentStore(db, met),
		Registrations: NewPGRegistrationStore(db, met),
		Deliveries:    NewPGDeliveryStore(db, met),
		Sessions:      NewPGSessionStore(db, met),
		Messages:      NewPGMessageStore(db, met),
		Schedules:     NewPGScheduleStore(db, met),
	}, nil
}
