// Package app wires the Wren DM server runtime: config, logging, HTTP routes,
// and the WebSocket gateway over the messaging core.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"wren/cmd/identity"
	"wren/cmd/internal/dm"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backing resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Wren server runtime: it owns the HTTP server wiring and the DM
// gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	channel *dm.Channel
	ws      *dm.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, msgStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg, log, dbPool, dbEnabled)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	channel := dm.NewChannel(log, dm.NewHub(log), msgStore)
	ws := dm.NewWSGateway(log, channel, provider)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		channel:   channel,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool, badger files).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a bind address into a URL a local client can reach.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL converts an http(s) base URL or a bare host:port into the
// corresponding WebSocket URL.
func wsBaseURL(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// newStore decides between Postgres, Badger and in-memory message persistence.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, dm.MessageStore, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, nil, err
		}

		log.Info("store.postgres", "schema", "wren")

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresStore.Close() is a no-op
		msgStore, err := dm.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, err
		}
		return dbStore{pool: pool, msgStore: msgStore}, pool, true, msgStore, nil
	}

	if cfg.BadgerDir != "" {
		msgStore, err := dm.OpenBadgerStore(cfg.BadgerDir, log)
		if err != nil {
			return nil, nil, false, nil, err
		}
		log.Info("store.badger", "dir", cfg.BadgerDir)
		return closerStore{msgStore}, nil, false, msgStore, nil
	}

	log.Info("store.inmemory")
	return nopStore{}, nil, false, dm.NewInMemoryStore(), nil
}

// newProvider selects the identity provider: DB-backed when a pool exists,
// otherwise static grants from config.
func newProvider(cfg Config, log Logger, pool *pgxpool.Pool, dbEnabled bool) (identity.Provider, error) {
	if dbEnabled && pool != nil {
		log.Info("identity.postgres")
		return identity.NewPostgresProvider(pool)
	}

	p := identity.NewStaticProvider()
	if n := p.ParseGrants(cfg.Credentials); n > 0 {
		log.Info("identity.static", "grants", n)
	} else {
		log.Warn("identity.static.empty", "hint", "set WREN_DM_CREDENTIALS=credential:user_id,...")
	}
	return p, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore dm.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type closerStore struct {
	msgStore dm.MessageStore
}

func (s closerStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		return s.msgStore.Close()
	}
	return nil
}
