package broker

import (
	"context"

	"github.com/google/uuid"

	"github.com/koltyakov/connector/internal/domain"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

// Fetch sends req through the agent and waits for its reply. An empty ID is
// filled in.
func (b *Broker) Fetch(ctx context.Context, agentID string, req tunnelproto.FetchRequest) (tunnelproto.FetchReply, error) {
	s, ok := b.hub.get(agentID)
	if !ok {
		return tunnelproto.FetchReply{}, &domain.AgentError{AgentID: agentID, Op: "fetch", Err: domain.ErrAgentOffline}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan tunnelproto.FetchReply, 1)
	s.fetches.Store(req.ID, ch)
	defer s.fetches.Delete(req.ID)

	f, err := s.keys.Wrap(tunnelproto.TypeFetchRequest, s.id, req)
	if err != nil {
		return tunnelproto.FetchReply{}, err
	}
	if err := s.pump.SendWait(ctx, f); err != nil {
		return tunnelproto.FetchReply{}, err
	}
	select {
	case <-ctx.Done():
		return tunnelproto.FetchReply{}, ctx.Err()
	case <-s.done:
		return tunnelproto.FetchReply{}, &domain.AgentError{AgentID: agentID, Op: "fetch", Err: domain.ErrAgentOffline}
	case reply := <-ch:
		return reply, nil
	}
}
