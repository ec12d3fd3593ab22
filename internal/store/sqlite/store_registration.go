package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/connector/internal/domain"
	"github.com/koltyakov/connector/internal/rules"
)

// SaveRegistration replaces the agent's registered rule set.
func (s *Store) SaveRegistration(ctx context.Context, agentID, connectionID string, socksPort int, set []rules.ResourceRule) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO registrations(agent_id, connection_id, socks_port, rules, registered_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
	connection_id = excluded.connection_id,
	socks_port = excluded.socks_port,
	rules = excluded.rules,
	registered_at = excluded.registered_at`,
		agentID, connectionID, socksPort, string(raw), time.Now().UTC())
	return err
}

// GetRegistration returns the agent's latest registration.
func (s *Store) GetRegistration(ctx context.Context, agentID string) (domain.Registration, error) {
	var r domain.Registration
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT agent_id, connection_id, socks_port, rules, registered_at
FROM registrations
WHERE agent_id = ?`, agentID).Scan(&r.AgentID, &r.ConnectionID, &r.SocksPort, &raw, &r.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Registration{}, &domain.AgentError{AgentID: agentID, Op: "lookup registration", Err: domain.ErrNotRegistered}
	}
	if err != nil {
		return domain.Registration{}, err
	}
	r.Rules = []byte(raw)
	return r, nil
}

// RegisteredRules decodes a registration's rule set.
func RegisteredRules(r domain.Registration) ([]rules.ResourceRule, error) {
	var out []rules.ResourceRule
	if err := json.Unmarshal(r.Rules, &out); err != nil {
		return nil, fmt.Errorf("decode registered rules: %w", err)
	}
	return out, nil
}
