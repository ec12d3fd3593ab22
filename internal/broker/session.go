package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/connector/internal/auth"
	"github.com/koltyakov/connector/internal/dispatch"
	"github.com/koltyakov/connector/internal/domain"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/sessioncrypt"
	"github.com/koltyakov/connector/internal/transport"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

var errHandshakeTimeout = errors.New("authorization timed out")

type session struct {
	b         *Broker
	agentID   string
	id        string
	connID    string
	transport string
	conn      transport.Conn
	keys      *sessioncrypt.KeyStore
	pump      *tunnelproto.FramePump
	log       *slog.Logger

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
	done             chan struct{}

	regMu     sync.RWMutex
	rules     rules.Set
	socksPort int

	fetches sync.Map // id -> chan tunnelproto.FetchReply
	sockets sync.Map // handle -> *remoteSocket
}

// HandleConn authorizes conn and serves it until the agent disconnects. It
// owns conn.
func (b *Broker) HandleConn(ctx context.Context, conn transport.Conn, transportName string) {
	defer conn.Close()

	sess, err := b.handshake(ctx, conn, transportName)
	if err != nil {
		b.log.Warn("agent handshake failed", "remote", conn.RemoteAddr().String(), "transport", transportName, "err", err)
		return
	}
	if prev := b.hub.put(sess); prev != nil {
		b.log.Info("replacing previous agent connection", "agent", sess.agentID, "session", prev.id)
		_ = prev.conn.Close()
	}
	defer func() {
		b.hub.remove(sess)
		if err := b.store.CloseConnection(context.Background(), sess.connID); err != nil {
			b.log.Error("close connection record", "agent", sess.agentID, "err", err)
		}
	}()

	sess.log.Info("agent connected", "transport", transportName, "remote", conn.RemoteAddr().String())
	err = sess.run(ctx)
	sess.log.Info("agent disconnected", "err", err)
}

func (b *Broker) handshake(ctx context.Context, conn transport.Conn, transportName string) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, b.opts.AuthTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { _ = conn.Close() })

	f, err := dispatch.ReadOne(conn, tunnelproto.TypeAuthorization)
	if err != nil {
		stop()
		return nil, err
	}
	var req tunnelproto.AuthorizationRequest
	if err := tunnelproto.Unmarshal(f.Payload, &req); err != nil {
		stop()
		return nil, dispatch.Framing(f.Type, err)
	}

	if err := b.authenticate(hctx, req); err != nil {
		_ = writeAuthorization(conn, tunnelproto.AuthorizationResponse{
			Result:  tunnelproto.ResultFailed,
			Message: "authorization failed",
		})
		stop()
		return nil, &domain.AgentError{AgentID: req.AgentID, Op: "authorize", Err: err}
	}

	key, err := sessioncrypt.NewSessionKey()
	if err != nil {
		stop()
		return nil, err
	}
	sessionID := uuid.NewString()
	rec, err := b.store.OpenConnection(hctx, req.AgentID, sessionID, transportName, conn.RemoteAddr().String())
	if err != nil {
		stop()
		return nil, fmt.Errorf("record connection: %w", err)
	}

	keys := sessioncrypt.NewKeyStore()
	if err := keys.Put(sessioncrypt.SessionKey{SessionID: sessionID, Algorithm: sessioncrypt.DefaultAlgorithm, Key: key}); err != nil {
		stop()
		return nil, err
	}
	err = writeAuthorization(conn, tunnelproto.AuthorizationResponse{
		Result:    tunnelproto.ResultOK,
		SessionID: sessionID,
		Algorithm: sessioncrypt.DefaultAlgorithm,
		Key:       key,
	})
	if !stop() {
		err = errHandshakeTimeout
	}
	if err != nil {
		_ = b.store.CloseConnection(context.Background(), rec.ID)
		return nil, err
	}

	s := &session{
		b:         b,
		agentID:   req.AgentID,
		id:        sessionID,
		connID:    rec.ID,
		transport: transportName,
		conn:      conn,
		keys:      keys,
		log:       b.log.With("agent", req.AgentID, "session", sessionID),
		done:      make(chan struct{}),
	}
	s.pump = tunnelproto.NewFramePump(conn, func() { _ = conn.Close() }, tunnelproto.PumpOptions{})
	s.touch(time.Now())
	return s, nil
}

func (b *Broker) authenticate(ctx context.Context, req tunnelproto.AuthorizationRequest) error {
	agent, err := b.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return domain.ErrUnauthorized
		}
		return err
	}
	if agent.RevokedAt != nil {
		return domain.ErrUnauthorized
	}
	if !auth.ConstantTimeEquals(agent.User, req.User) || !auth.ConstantTimeEquals(agent.Domain, req.Domain) {
		return domain.ErrUnauthorized
	}
	if !auth.VerifyPassword(agent.PasswordHash, req.Password) {
		return domain.ErrUnauthorized
	}
	return nil
}

func writeAuthorization(conn transport.Conn, resp tunnelproto.AuthorizationResponse) error {
	payload, err := tunnelproto.Marshal(resp)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	return tunnelproto.WriteFrame(conn, &tunnelproto.Frame{Type: tunnelproto.TypeAuthorization, Payload: payload})
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.pump.Close()
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.pump.Done():
			cancel()
		}
	}()

	d := dispatch.New(s.log)
	for t, h := range map[tunnelproto.Type]dispatch.HandlerFunc{
		tunnelproto.TypeRegistration:  s.onRegistration,
		tunnelproto.TypeHealthCheck:   s.onHealthCheck,
		tunnelproto.TypeFetchReply:    s.onFetchReply,
		tunnelproto.TypeSocketSession: s.onSocketReply,
		tunnelproto.TypeSocketData:    s.onSocketData,
	} {
		if err := d.Register(t, h); err != nil {
			return err
		}
	}
	return d.Run(ctx, s.conn, dispatch.RunOptions{})
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	return time.Unix(0, s.lastSeenUnixNano.Load())
}

// open decrypts f into out. Frames for another session are ignored.
func (s *session) open(f *tunnelproto.Frame, out any) (bool, error) {
	ok, err := s.keys.Unwrap(f, s.id, out)
	if ok && err == nil {
		s.touch(time.Now())
	}
	return ok, err
}

func (s *session) send(t tunnelproto.Type, msg any) error {
	f, err := s.keys.Wrap(t, s.id, msg)
	if err != nil {
		return err
	}
	return s.pump.Send(f)
}

func (s *session) onRegistration(ctx context.Context, f *tunnelproto.Frame) error {
	var req tunnelproto.RegistrationRequest
	if ok, err := s.open(f, &req); err != nil || !ok {
		return err
	}

	resp := tunnelproto.RegistrationResponse{
		Result: tunnelproto.ResultOK,
		Server: tunnelproto.ServerConfig{
			HealthCheckInterval: int(s.b.opts.HealthInterval / time.Second),
			HealthCheckTimeout:  int(s.b.opts.HealthTimeout / time.Second),
		},
	}
	if err := s.checkRegistration(req); err != nil {
		s.log.Warn("registration rejected", "err", err)
		resp = tunnelproto.RegistrationResponse{Result: tunnelproto.ResultFailed, Message: err.Error()}
	} else if err := s.b.store.SaveRegistration(ctx, s.agentID, s.connID, req.SocksPort, req.Rules); err != nil {
		s.log.Error("save registration", "err", err)
		resp = tunnelproto.RegistrationResponse{Result: tunnelproto.ResultFailed, Message: "registration could not be stored"}
	} else {
		s.regMu.Lock()
		s.rules = rules.Set(req.Rules)
		s.socksPort = req.SocksPort
		s.regMu.Unlock()
		s.log.Info("rules registered", "rules", len(req.Rules), "socks_port", req.SocksPort)
	}
	return s.send(tunnelproto.TypeRegistration, resp)
}

func (s *session) checkRegistration(req tunnelproto.RegistrationRequest) error {
	if req.AgentID != s.agentID {
		return fmt.Errorf("registration for agent %q on a session of %q", req.AgentID, s.agentID)
	}
	if err := rules.ValidateRuntimeSet(req.Rules); err != nil {
		return err
	}
	for _, r := range req.Rules {
		if r.OwnerID != s.agentID {
			return fmt.Errorf("%s is owned by %q", r.Name(), r.OwnerID)
		}
	}
	return nil
}

func (s *session) onHealthCheck(ctx context.Context, f *tunnelproto.Frame) error {
	var info tunnelproto.HealthCheckInfo
	if ok, err := s.open(f, &info); err != nil || !ok {
		return err
	}
	if err := s.b.store.TouchConnection(ctx, s.connID); err != nil {
		s.log.Debug("touch connection", "err", err)
	}
	if info.Type != tunnelproto.HealthCheckRequest {
		return nil
	}
	return s.send(tunnelproto.TypeHealthCheck, tunnelproto.HealthCheckInfo{
		Type:      tunnelproto.HealthCheckResponse,
		Source:    tunnelproto.SourceBroker,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *session) onFetchReply(_ context.Context, f *tunnelproto.Frame) error {
	var reply tunnelproto.FetchReply
	if ok, err := s.open(f, &reply); err != nil || !ok {
		return err
	}
	v, ok := s.fetches.Load(reply.ID)
	if !ok {
		s.log.Debug("fetch reply without a waiter", "id", reply.ID)
		return nil
	}
	select {
	case v.(chan tunnelproto.FetchReply) <- reply:
	default:
	}
	return nil
}

func (s *session) onSocketReply(_ context.Context, f *tunnelproto.Frame) error {
	var reply tunnelproto.SocketSessionReply
	if ok, err := s.open(f, &reply); err != nil || !ok {
		return err
	}
	if sock := s.socket(reply.Handle); sock != nil {
		sock.reply(reply)
	}
	return nil
}

func (s *session) onSocketData(_ context.Context, f *tunnelproto.Frame) error {
	var data tunnelproto.SocketSessionData
	if ok, err := s.open(f, &data); err != nil || !ok {
		return err
	}
	if sock := s.socket(data.Handle); sock != nil {
		sock.deliver(data)
	}
	return nil
}

func (s *session) socket(handle string) *remoteSocket {
	v, ok := s.sockets.Load(handle)
	if !ok {
		return nil
	}
	return v.(*remoteSocket)
}

func (s *session) registration() (rules.Set, int) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.rules, s.socksPort
}
