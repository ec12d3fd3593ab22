package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/connector/internal/domain"
)

// CreateAgent stores a new agent identity. passwordHash must already be a
// bcrypt hash.
func (s *Store) CreateAgent(ctx context.Context, id, user, domainName, passwordHash string) (domain.Agent, error) {
	a := domain.Agent{
		ID:           strings.TrimSpace(id),
		User:         strings.TrimSpace(user),
		Domain:       strings.TrimSpace(domainName),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents(id, user, domain, password_hash, created_at, revoked_at)
VALUES(?, ?, ?, ?, ?, NULL)`, a.ID, a.User, a.Domain, a.PasswordHash, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, &domain.AgentError{AgentID: a.ID, Op: "create", Err: domain.ErrAgentExists}
		}
		return domain.Agent{}, err
	}
	return a, nil
}

// GetAgent returns the agent with id, revoked or not.
func (s *Store) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var revoked sql.NullTime
	err := s.agentByIDStmt.QueryRowContext(ctx, id).
		Scan(&a.ID, &a.User, &a.Domain, &a.PasswordHash, &a.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, &domain.AgentError{AgentID: id, Op: "lookup", Err: domain.ErrAgentNotFound}
	}
	if err != nil {
		return domain.Agent{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		a.RevokedAt = &t
	}
	return a, nil
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user, domain, password_hash, created_at, revoked_at
FROM agents
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var revoked sql.NullTime
		if err := rows.Scan(&a.ID, &a.User, &a.Domain, &a.PasswordHash, &a.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			a.RevokedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RevokeAgent disables an agent's credentials.
func (s *Store) RevokeAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &domain.AgentError{AgentID: id, Op: "revoke", Err: domain.ErrAgentNotFound}
	}
	return nil
}
