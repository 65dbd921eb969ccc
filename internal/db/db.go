package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "sipstate.db"

type Config struct {
	// Path of the database file. Empty means .sipstate/sipstate.db under Workspace.
	Path      string
	Workspace string
}

func (c Config) path() string {
	if c.Path != "" {
		if filepath.IsAbs(c.Path) || c.Workspace == "" {
			return c.Path
		}
		return filepath.Join(c.Workspace, c.Path)
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".sipstate", defaultDBName)
}

// EnsureDir creates the directory holding the database file.
func EnsureDir(cfg Config) (string, error) {
	dir := filepath.Dir(cfg.path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database in WAL mode with a busy timeout and
// foreign keys on. SQLite has a single writer, so the pool holds one
// connection and concurrent callers queue on it.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", cfg.path())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.path(), err)
	}
	return conn, nil
}

// Path returns the resolved database path.
func Path(cfg Config) string {
	return cfg.path()
}
