package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/auth"
	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/config"
	"github.com/bloodbridge/chat-client/internal/logging"
	"github.com/bloodbridge/chat-client/internal/metrics"
	"github.com/bloodbridge/chat-client/internal/session"
	"github.com/bloodbridge/chat-client/internal/store"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	identity chat.Identity
	manager  *session.Manager
	closers  []func() error
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("CHAT_TOKEN is not set")
	}
	identity, err := auth.IdentityFromToken(cfg.Token)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, identity: identity}
	tr, err := newTransport(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	st, err := a.newStore()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a.manager = session.New(tr, st, session.Config{
		TypingQuiescence:  cfg.Session.TypingQuiescence,
		RemoteTypingTTL:   cfg.Session.RemoteTypingTTL,
		ResyncOnReconnect: cfg.Session.ResyncOnReconnect,
	}, logger)
	return a, nil
}

func newTransport(cfg config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Gateway.Kind {
	case config.TransportWS:
		wsConfig := transport.DefaultWSConfig()
		wsConfig.URL = cfg.Gateway.URL
		wsConfig.ReconnectWait = cfg.Gateway.ReconnectWait
		wsConfig.MaxReconnects = cfg.Gateway.MaxReconnects
		wsConfig.DialTimeout = cfg.Gateway.DialTimeout
		wsConfig.HeartbeatInterval = cfg.Gateway.HeartbeatInterval
		wsConfig.HeartbeatTimeout = cfg.Gateway.HeartbeatTimeout
		return transport.NewWS(wsConfig, logger), nil
	case config.TransportNATS:
		natsConfig := transport.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name
		natsConfig.SubjectPrefix = cfg.NATS.SubjectPrefix
		natsConfig.ReconnectWait = cfg.Gateway.ReconnectWait
		natsConfig.MaxReconnects = cfg.Gateway.MaxReconnects
		natsConfig.DialTimeout = cfg.Gateway.DialTimeout
		return transport.NewNATS(natsConfig, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Gateway.Kind)
	}
}

// newStore builds the REST client, fronted by the Redis history cache when
// one is configured.
func (a *app) newStore() (store.RemoteStore, error) {
	remote := store.NewHTTP(store.HTTPConfig{
		BaseURL:        a.cfg.Store.BaseURL,
		RequestTimeout: a.cfg.Store.RequestTimeout,
		RatePerSecond:  a.cfg.Store.RatePerSecond,
		Burst:          a.cfg.Store.Burst,
	}, a.logger)
	if a.cfg.Cache.Addr == "" {
		return remote, nil
	}

	rdb, err := store.Dial(a.cfg.Cache.Addr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.logger.Info("history cache enabled", zap.String("redis_addr", a.cfg.Cache.Addr))
	return store.NewCache(remote, rdb, a.cfg.Cache.TTL, a.logger), nil
}

// start begins the session and loads the chat list.
func (a *app) start(ctx context.Context) error {
	if err := a.manager.Start(a.identity, a.cfg.Token); err != nil {
		return err
	}
	return a.manager.LoadChats(ctx)
}

// waitConnected blocks until the transport is connected, the session ends
// or ctx is done.
func (a *app) waitConnected(ctx context.Context) error {
	for {
		s := a.manager.Snapshot()
		switch {
		case s.State == transport.Connected:
			return nil
		case s.Err != nil:
			return s.Err
		case !s.Started:
			return session.ErrNotStarted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.manager.Updates():
		}
	}
}

func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("closing session", zap.Error(err))
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("closing resource", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newRouter(m *session.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := m.Snapshot()
		if !s.Started || s.State != transport.Connected {
			http.Error(w, s.State.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// serveMetrics runs the metrics listener until ctx is done.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           newRouter(a.manager),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", zap.Error(err))
		}
	}()
}
