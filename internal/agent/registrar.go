package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/tunnelproto"
	"github.com/koltyakov/connector/internal/watcher"
)

type frameSender interface {
	SendWait(ctx context.Context, f *tunnelproto.Frame) error
}

type sealer interface {
	Wrap(t tunnelproto.Type, sessionID string, msg any) (*tunnelproto.Frame, error)
	Unwrap(f *tunnelproto.Frame, expected string, out any) (bool, error)
}

type registrarOptions struct {
	AgentID       string
	SessionID     string
	RulesFile     string
	Files         watcher.FileSource
	ProxyPortBase int
	SocksPort     int
	// HealthzPort is zero when the health endpoint is off.
	HealthzPort       int
	HealthzPrincipals []string
	Timeout           time.Duration

	Sealer sealer
	Sender frameSender
	// OnRegistered receives the accepted rule set and the broker's config.
	OnRegistered func(rules.Set, tunnelproto.ServerConfig)
	Logger       *slog.Logger
}

// registrar turns the rule file into a REGISTRATION request and waits for
// the broker's answer. Calls are serialized; each one rereads the file.
type registrar struct {
	opts registrarOptions
	log  *slog.Logger

	mu        sync.Mutex
	responses chan tunnelproto.RegistrationResponse
}

func newRegistrar(opts registrarOptions) *registrar {
	return &registrar{
		opts:      opts,
		log:       opts.Logger,
		responses: make(chan tunnelproto.RegistrationResponse, 1),
	}
}

// Compile reads, validates and compiles the rule file for this agent.
func (r *registrar) Compile() ([]rules.ResourceRule, error) {
	data, err := r.opts.Files.ReadFile(r.opts.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	parsed, err := rules.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	if err := rules.ValidateSet(parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	if r.opts.HealthzPort > 0 {
		principals := r.opts.HealthzPrincipals
		if len(principals) == 0 {
			principals = ownPrincipals(parsed, r.opts.AgentID)
		}
		parsed = append(parsed, rules.SystemRules(r.opts.AgentID, r.opts.HealthzPort, principals)...)
	}
	compiled, err := rules.Compile(parsed, rules.CompileOptions{
		OwnerID:       r.opts.AgentID,
		ProxyPortBase: r.opts.ProxyPortBase,
		SocksPort:     r.opts.SocksPort,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	if err := rules.ValidateRuntimeSet(compiled); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	return compiled, nil
}

// Register sends the current rule set and waits for the broker to accept it.
func (r *registrar) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	compiled, err := r.Compile()
	if err != nil {
		return err
	}

	// A late answer to an earlier, timed-out request must not be taken for
	// this one.
	select {
	case <-r.responses:
	default:
	}

	f, err := r.opts.Sealer.Wrap(tunnelproto.TypeRegistration, r.opts.SessionID, tunnelproto.RegistrationRequest{
		AgentID:   r.opts.AgentID,
		SocksPort: r.opts.SocksPort,
		Rules:     compiled,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if err := r.opts.Sender.SendWait(ctx, f); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrRegistrationTimeout
		}
		return ctx.Err()
	case resp := <-r.responses:
		if resp.Result != tunnelproto.ResultOK {
			return &RejectedError{Op: "register", Message: resp.Message, Err: ErrInvalidRules}
		}
		r.log.Info("rules registered", "rules", len(compiled))
		if r.opts.OnRegistered != nil {
			r.opts.OnRegistered(rules.Set(compiled), resp.Server)
		}
		return nil
	}
}

// Dispatch receives REGISTRATION responses.
func (r *registrar) Dispatch(_ context.Context, f *tunnelproto.Frame) error {
	var resp tunnelproto.RegistrationResponse
	ok, err := r.opts.Sealer.Unwrap(f, r.opts.SessionID, &resp)
	if err != nil || !ok {
		return err
	}
	select {
	case r.responses <- resp:
	default:
		r.log.Warn("unsolicited registration response dropped", "result", resp.Result)
	}
	return nil
}

// ownPrincipals collects the principals of the rules that apply to agentID,
// sorted and deduplicated.
func ownPrincipals(set []rules.ResourceRule, agentID string) []string {
	seen := map[string]struct{}{}
	for _, r := range set {
		if r.OwnerID != rules.WildcardOwner && r.OwnerID != agentID {
			continue
		}
		for _, p := range r.AllowedPrincipals {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
