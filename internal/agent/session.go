package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/connector/internal/dispatch"
	"github.com/koltyakov/connector/internal/fetch"
	"github.com/koltyakov/connector/internal/healthcheck"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/sessioncrypt"
	"github.com/koltyakov/connector/internal/socketsession"
	"github.com/koltyakov/connector/internal/transport"
	"github.com/koltyakov/connector/internal/tunnelproto"
	"github.com/koltyakov/connector/internal/watcher"
)

type sessionInfo struct {
	id     string
	keys   *sessioncrypt.KeyStore
	sender frameSender
}

func (a *Agent) newRegistrar(s sessionInfo) *registrar {
	opts := registrarOptions{
		AgentID:       a.cfg.AgentID,
		SessionID:     s.id,
		RulesFile:     a.cfg.RulesFile,
		Files:         a.files,
		ProxyPortBase: a.cfg.ProxyPortBase,
		SocksPort:     a.socksPort,
		Timeout:       a.cfg.RegisterTimeout,
		Sender:        s.sender,
		Logger:        a.log,
	}
	if s.keys != nil {
		opts.Sealer = s.keys
	}
	if a.cfg.HealthzEnabled {
		opts.HealthzPort = a.healthzPort
		opts.HealthzPrincipals = a.cfg.HealthzPrincipals
	}
	return newRegistrar(opts)
}

// runSession serves one authorized connection. Every goroutine it starts
// ends when the connection does; the first failure tears down the rest.
func (a *Agent) runSession(ctx context.Context, conn transport.Conn, s sessionInfo) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pump := tunnelproto.NewFramePump(conn, func() { _ = conn.Close() }, tunnelproto.PumpOptions{})
	defer pump.Close()
	s.sender = pump

	health := healthcheck.New(healthcheck.Options{
		SessionID: s.id,
		Sealer:    s.keys,
		Sender:    pump,
		Clock:     a.clock,
		OnFailure: cancel,
		Logger:    a.log,
	})
	a.health.Store(health)
	defer a.health.CompareAndSwap(health, nil)

	sockets, err := socketsession.NewManager(socketsession.Config{
		SessionID:      s.id,
		Sealer:         s.keys,
		Sender:         pump,
		ConnectTimeout: a.cfg.ConnectTimeout,
		RetiredHandles: a.cfg.RetiredSocketKeep,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	defer sockets.Close()
	// Nothing is reachable until the broker accepts a rule set.
	sockets.SetPolicy(rules.Set{})

	fetcher := fetch.New(fetch.Options{
		SessionID:        s.id,
		Sealer:           s.keys,
		Sender:           pump,
		Workers:          a.cfg.FetchWorkers,
		Timeout:          a.cfg.ConnectTimeout,
		MaxResponseBytes: a.cfg.MaxResponseBytes,
		Logger:           a.log,
	})
	defer func() {
		cancel()
		fetcher.Wait()
	}()

	reg := a.newRegistrar(s)
	reg.opts.OnRegistered = func(set rules.Set, server tunnelproto.ServerConfig) {
		health.Configure(healthcheck.Config{
			Interval: time.Duration(server.HealthCheckInterval) * time.Second,
			Timeout:  time.Duration(server.HealthCheckTimeout) * time.Second,
		})
		a.socks.SetRules(set)
		fetcher.SetRules(set)
		sockets.SetPolicy(set)
		a.registered.Store(true)
	}

	d := dispatch.New(a.log)
	handlers := map[tunnelproto.Type]dispatch.Dispatchable{
		tunnelproto.TypeRegistration:  reg,
		tunnelproto.TypeHealthCheck:   health,
		tunnelproto.TypeFetchRequest:  fetcher,
		tunnelproto.TypeSocketSession: sockets,
		tunnelproto.TypeSocketData:    sockets,
	}
	for t, h := range handlers {
		if err := d.Register(t, h); err != nil {
			return err
		}
	}

	w, err := watcher.New(watcher.Options{
		Path:     a.cfg.RulesFile,
		Register: reg.Register,
		Files:    a.files,
		Interval: a.cfg.PollInterval,
		Clock:    a.clock,
		Notify:   a.cfg.WatchNotify,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx, conn, dispatch.RunOptions{MaxFramingErrors: a.cfg.MaxFramingErrors})
	})
	g.Go(func() error {
		return health.Run(gctx)
	})
	g.Go(func() error {
		// Baseline before the first registration so an edit made while it
		// is in flight is still seen as a change.
		if _, err := w.Poll(gctx); err != nil {
			return err
		}
		if err := reg.Register(gctx); err != nil {
			return err
		}
		return w.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-pump.Done():
			if err := pump.Err(); err != nil {
				return err
			}
			return tunnelproto.ErrPumpClosed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		// Unblocks the dispatcher's pending read.
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}
