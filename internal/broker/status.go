package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/koltyakov/connector/internal/domain"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/store/sqlite"
)

// Registration returns the rules the agent registered on its live session.
func (b *Broker) Registration(agentID string) (rules.Set, int, error) {
	s, ok := b.hub.get(agentID)
	if !ok {
		return nil, 0, domain.ErrAgentOffline
	}
	set, port := s.registration()
	if set == nil {
		return nil, 0, domain.ErrNotRegistered
	}
	return set, port, nil
}

// WaitRegistered blocks until agentID has a live, registered session.
func (b *Broker) WaitRegistered(ctx context.Context, agentID string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, err := b.Registration(agentID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status lists every known agent with its connection and registration.
func (b *Broker) Status(ctx context.Context) ([]domain.AgentStatus, error) {
	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AgentStatus, 0, len(agents))
	for _, a := range agents {
		st := domain.AgentStatus{AgentID: a.ID}
		if _, ok := b.hub.get(a.ID); ok {
			st.Connected = true
		}
		conn, err := b.store.LatestConnection(ctx, a.ID)
		switch {
		case err == nil:
			st.ConnectionID = conn.ID
			st.Transport = conn.Transport
			st.RemoteAddr = conn.RemoteAddr
			connectedAt := conn.ConnectedAt
			st.ConnectedAt = &connectedAt
			st.LastSeenAt = conn.LastSeenAt
		case !errors.Is(err, domain.ErrAgentOffline):
			return nil, err
		}
		reg, err := b.store.GetRegistration(ctx, a.ID)
		switch {
		case err == nil:
			registered, err := sqlite.RegisteredRules(reg)
			if err != nil {
				return nil, err
			}
			st.RuleCount = len(registered)
			st.SocksPort = reg.SocksPort
		case !errors.Is(err, domain.ErrNotRegistered):
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (b *Broker) handleAgents(w http.ResponseWriter, r *http.Request) {
	status, err := b.Status(r.Context())
	if err != nil {
		b.log.Error("agent status", "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{Error: "status unavailable", ErrorCode: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
