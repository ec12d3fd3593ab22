// Package sqlite implements the broker data store backed by a SQLite database.
// It manages agent credentials, agent connections, and rule registrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all broker persistence operations.
type Store struct {
	db *sql.DB

	agentByIDStmt *sql.Stmt

	touchMu              sync.Mutex
	lastTouch            map[string]time.Time
	touchMinInterval     time.Duration
	touchCleanupInterval time.Duration
	nextTouchCleanupAt   time.Time
}

const defaultTouchMinInterval = 30 * time.Second
const defaultTouchCleanupInterval = 5 * time.Minute

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const agentByIDQuery = `
SELECT id, user, domain, password_hash, created_at, revoked_at
FROM agents
WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	now := time.Now().UTC()
	s := &Store{
		db:                   db,
		lastTouch:            make(map[string]time.Time),
		touchMinInterval:     defaultTouchMinInterval,
		touchCleanupInterval: defaultTouchCleanupInterval,
		nextTouchCleanupAt:   now.Add(defaultTouchCleanupInterval),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.agentByIDStmt, err = db.PrepareContext(context.Background(), agentByIDQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare agent query: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	var stmtErr error
	if s.agentByIDStmt != nil {
		stmtErr = s.agentByIDStmt.Close()
	}
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	user TEXT NOT NULL,
	domain TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	session_id TEXT NOT NULL,
	transport TEXT NOT NULL,
	remote_addr TEXT NULL,
	state TEXT NOT NULL,
	connected_at DATETIME NOT NULL,
	last_seen_at DATETIME NULL,
	disconnected_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS registrations (
	agent_id TEXT PRIMARY KEY REFERENCES agents(id),
	connection_id TEXT NOT NULL,
	socks_port INTEGER NOT NULL,
	rules TEXT NOT NULL,
	registered_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_agent_state ON connections(agent_id, state);
CREATE INDEX IF NOT EXISTS idx_connections_agent_connected_at ON connections(agent_id, connected_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
