// Package pg implements the store contracts on Postgres via
// database/sql with the pgx stdlib driver. Used in managed mode;
// standalone mode uses the sqlite package instead.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
)

// OpenDB opens and pings a Postgres connection pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// observe records one query's duration under the db_query_duration
// histogram. met may be nil.
func observe(met *metrics.Metrics, op string, start time.Time) {
	if met != nil {
		met.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
