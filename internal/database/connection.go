package database

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opendesk-io/opendesk-ce/internal/config"
)

var (
	db   *sql.DB
	dbMu sync.RWMutex
)

// Connect opens the configured database and installs it as the shared
// connection. The driver name is remembered so placeholder conversion can pick
// the right dialect.
func Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn, driver, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	dbMu.Lock()
	db = conn
	activeDriver = driver
	dbMu.Unlock()
	return conn, nil
}

// GetDB returns the shared database connection.
func GetDB() (*sql.DB, error) {
	dbMu.RLock()
	defer dbMu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return db, nil
}

// SetDB installs a connection directly. Intended for tests.
func SetDB(conn *sql.DB, driver string) {
	dbMu.Lock()
	db = conn
	if driver != "" {
		activeDriver = driver
	}
	dbMu.Unlock()
}

func buildDSN(cfg config.DatabaseConfig) (string, string, error) {
	switch cfg.Driver {
	case "postgres", "postgresql":
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, ssl)
		return dsn, "postgres", nil
	case "mysql", "mariadb":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		return dsn, "mysql", nil
	case "sqlite", "sqlite3":
		name := cfg.Name
		if name == "" {
			name = ":memory:"
		}
		return name, "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
