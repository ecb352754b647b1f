package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type OpenConfig struct {
	Driver string
	DSN    string
	// EnsureSchema creates the storage table when it is missing. Deployments
	// that run the embedded migrations leave it off.
	EnsureSchema bool
}

// Open connects to the database and returns an adapter that owns the
// connection pool.
func Open(ctx context.Context, config OpenConfig) (*StorageAdapter, error) {
	driver := strings.TrimSpace(strings.ToLower(config.Driver))
	dsn := strings.TrimSpace(config.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	var dialect schema.Dialect
	switch driver {
	case DriverSQLite, "sqlite":
		driver = DriverSQLite
		dialect = sqlitedialect.New()
	case DriverPostgres, "pg", "postgresql":
		driver = DriverPostgres
		dialect = pgdialect.New()
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", config.Driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	db := bun.NewDB(sqlDB, dialect)
	if config.EnsureSchema {
		if err := EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	adapter, err := NewStorageAdapter(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	adapter.closer = db
	return adapter, nil
}

// EnsureSchema creates the storage table and its unique key index.
func EnsureSchema(ctx context.Context, db bun.IDB) error {
	if db == nil {
		return fmt.Errorf("sqlstore: bun db is required")
	}
	if _, err := db.NewCreateTable().
		Model((*storageRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create %s: %w", storageRecordsTable, err)
	}
	if _, err := db.NewCreateIndex().
		Model((*storageRecord)(nil)).
		Index("idx_multichain_storage_records_key").
		Column("key").
		Unique().
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: index %s: %w", storageRecordsTable, err)
	}
	return nil
}
