package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "in-memory"
)

// OpenDatabase opens a bun handle for the configured driver and verifies
// the connection. The in-memory driver is backed by SQLite and loses all
// rows on shutdown; it exists for development and tests.
func OpenDatabase(ctx context.Context, driver, dsn string) (*bun.DB, error) {
	var db *bun.DB
	switch driver {
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(5)
		sqldb.SetConnMaxLifetime(5 * time.Minute)
		db = bun.NewDB(sqldb, pgdialect.New())
	case DriverMySQL:
		// go-sql-driver returns []byte for timestamps unless parseTime
		// is set, which breaks scanning into time.Time.
		if !strings.Contains(dsn, "parseTime") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		sqldb, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql connection: %w", err)
		}
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(5)
		sqldb.SetConnMaxLifetime(5 * time.Minute)
		db = bun.NewDB(sqldb, mysqldialect.New())
	case DriverMemory:
		sqldb, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory database: %w", err)
		}
		// A :memory: database lives on exactly one connection; letting the
		// pool rotate connections would silently drop the schema.
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)
		sqldb.SetConnMaxLifetime(0)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}
