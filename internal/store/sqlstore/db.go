// Package sqlstore implements store.Store on PostgreSQL through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	// DriverPgx selects the jackc/pgx stdlib driver.
	DriverPgx = "pgx"
	// DriverPostgres selects the lib/pq driver.
	DriverPostgres = "postgres"
)

// Open connects to PostgreSQL with the named driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPgx, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// normalizeDSN strips driver suffixes that other ecosystems put in URLs,
// e.g. postgresql+asyncpg:// becomes postgresql://.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql", "postgres"} {
		for _, suffix := range []string{"+asyncpg", "+pgx", "+psycopg2"} {
			s = strings.Replace(s, prefix+suffix+"://", prefix+"://", 1)
		}
	}
	return s
}
