package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	workspaceDir  = ".phasegate"
	defaultDBName = "phasegate.db"

	defaultBusyTimeoutMS = 5000
)

type Config struct {
	Workspace string
	// BusyTimeoutMS is how long a connection waits on a locked database
	// before SQLite reports SQLITE_BUSY.
	BusyTimeoutMS int
	// Memory opens a private in-memory database instead of the workspace file.
	Memory bool
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DSN builds the driver connection string. Write transactions take the
// reserved lock at BEGIN so two decisions on the same task serialize instead
// of deadlocking on lock upgrade.
func DSN(cfg Config) string {
	timeout := cfg.BusyTimeoutMS
	if timeout <= 0 {
		timeout = defaultBusyTimeoutMS
	}
	params := []string{
		"_txlock=immediate",
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", timeout),
	}
	if cfg.Memory {
		return "file::memory:?" + strings.Join(params, "&")
	}
	params = append(params, "_pragma=journal_mode(WAL)")
	return fmt.Sprintf("file:%s?%s", dbPath(cfg.Workspace), strings.Join(params, "&"))
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if !cfg.Memory {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.Memory {
		// Every pooled connection would otherwise see its own empty database.
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// IsBusy reports whether err is SQLite lock contention that is safe to retry.
func IsBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
