package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/caixadigital/banksync/migrations"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "banksync"
}

// OpenPostgres connects the production database through lib/pq and
// returns the persistence client backing every banksync store. The
// embedded schema migrations are registered on the client; Migrate
// applies them.
func OpenPostgres(dsn string, debug bool) (*persistence.Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}

	cfg := persistenceConfig{
		driver: "postgres",
		server: dsn,
		debug:  debug,
	}
	client, err := persistence.New(cfg, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: persistence client: %w", err)
	}
	if err := migrations.Bind(client); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: bind migrations: %w", err)
	}
	return client, nil
}

// OpenSQLite opens a file or in-memory SQLite database. A single open
// connection keeps shared-cache in-memory databases alive across the
// pool.
func OpenSQLite(dsn string, debug bool) (*persistence.Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "file:banksync?mode=memory&cache=shared&_foreign_keys=on"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := persistenceConfig{
		driver: "sqlite3",
		server: dsn,
		debug:  debug,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: persistence client: %w", err)
	}
	if err := migrations.Bind(client); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: bind migrations: %w", err)
	}
	return client, nil
}
