package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/connector/internal/domain"
)

// OpenConnection records a newly authorized connection. Older connections of
// the same agent that are still marked connected are closed first, since an
// agent holds at most one tunnel.
func (s *Store) OpenConnection(ctx context.Context, agentID, sessionID, transport, remoteAddr string) (domain.Connection, error) {
	now := time.Now().UTC()
	c := domain.Connection{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		SessionID:   sessionID,
		Transport:   transport,
		RemoteAddr:  remoteAddr,
		State:       domain.ConnectionStateConnected,
		ConnectedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE connections SET state = ?, disconnected_at = ?
WHERE agent_id = ? AND state = ?`,
		domain.ConnectionStateDisconnected, now, agentID, domain.ConnectionStateConnected); err != nil {
		return domain.Connection{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO connections(id, agent_id, session_id, transport, remote_addr, state, connected_at, last_seen_at, disconnected_at)
VALUES(?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		c.ID, c.AgentID, c.SessionID, c.Transport, nullableString(c.RemoteAddr), c.State, c.ConnectedAt); err != nil {
		return domain.Connection{}, err
	}
	return c, tx.Commit()
}

// CloseConnection marks a connection disconnected.
func (s *Store) CloseConnection(ctx context.Context, id string) error {
	s.forgetTouch(id)
	_, err := s.db.ExecContext(ctx, `
UPDATE connections SET state = ?, disconnected_at = ?
WHERE id = ? AND state = ?`,
		domain.ConnectionStateDisconnected, time.Now().UTC(), id, domain.ConnectionStateConnected)
	return err
}

// LatestConnection returns the agent's most recent connection.
func (s *Store) LatestConnection(ctx context.Context, agentID string) (domain.Connection, error) {
	var c domain.Connection
	var remote sql.NullString
	var lastSeen, disconnected sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, agent_id, session_id, transport, remote_addr, state, connected_at, last_seen_at, disconnected_at
FROM connections
WHERE agent_id = ?
ORDER BY connected_at DESC, rowid DESC
LIMIT 1`, agentID).Scan(
		&c.ID, &c.AgentID, &c.SessionID, &c.Transport, &remote, &c.State, &c.ConnectedAt, &lastSeen, &disconnected)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Connection{}, &domain.AgentError{AgentID: agentID, Op: "lookup connection", Err: domain.ErrAgentOffline}
	}
	if err != nil {
		return domain.Connection{}, err
	}
	c.RemoteAddr = remote.String
	if lastSeen.Valid {
		t := lastSeen.Time
		c.LastSeenAt = &t
	}
	if disconnected.Valid {
		t := disconnected.Time
		c.DisconnectedAt = &t
	}
	return c, nil
}

// CloseAllConnections marks every connection disconnected. The broker calls
// it on startup, since no connection survives a restart.
func (s *Store) CloseAllConnections(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE connections SET state = ?, disconnected_at = ?
WHERE state = ?`,
		domain.ConnectionStateDisconnected, time.Now().UTC(), domain.ConnectionStateConnected)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
