// ABOUTME: Gateway orchestrator wiring the store, registry, relay pipeline, hub and HTTP API
// ABOUTME: Owns startup of active accounts and the ordered graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/relay-gateway/internal/accounts"
	"github.com/2389/relay-gateway/internal/api"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/automation"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/export"
	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/matrix"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	// startupConnectLimit bounds how many accounts connect at once on startup.
	startupConnectLimit = 4
)

// Gateway orchestrates the relay-gateway components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	registry   *registry.Registry
	relay      *relay.Service
	hub        *hub.Hub
	directory  accounts.Directory
	dedupe     *dedupe.Cache
	exporter   *export.Publisher
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore opens the SQLite store, creating the database directory if needed.
// RELAY_DB_PATH overrides the configured path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	s, err := store.NewSQLiteStore(dbPath,
		store.WithLogger(logger),
		store.WithQueueSize(cfg.Database.WriteQueueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// openDirectory builds the account directory selected by accounts.source.
func openDirectory(ctx context.Context, cfg config.AccountsConfig) (accounts.Directory, error) {
	var sealer *accounts.Sealer
	if cfg.SealingKey != "" {
		var err error
		if sealer, err = accounts.NewSealerFromBase64(cfg.SealingKey); err != nil {
			return nil, fmt.Errorf("loading sealing key: %w", err)
		}
	}

	switch cfg.Source {
	case config.AccountSourcePostgres:
		return accounts.NewPostgresDirectory(ctx, cfg.PostgresURL, sealer)
	default:
		return accounts.NewFileDirectory(cfg.File, sealer)
	}
}

// originHosts turns CORS origins into the host patterns the websocket accepts.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// New creates a Gateway from cfg. ctx bounds only the startup dials
// (Postgres directory, AMQP export).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return newGateway(ctx, cfg, logger, matrix.NewConnector(logger))
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, connector registry.Connector) (*Gateway, error) {
	m := metrics.New()

	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	directory, err := openDirectory(ctx, cfg.Accounts)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening account directory: %w", err)
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	viewers := hub.New(hub.Options{
		WriteTimeout:   cfg.Hub.WriteTimeout,
		OriginPatterns: originHosts(cfg.Server.CORSOrigins),
		Logger:         logger,
		Metrics:        m,
	})

	reg := registry.New(connector, registry.Options{
		SendTimeout:    cfg.Registry.SendTimeout,
		ConnectTimeout: cfg.Registry.ConnectTimeout,
		ResolveRetries: cfg.Registry.ResolveRetries,
		Logger:         logger,
		Metrics:        m,
	})

	svc := relay.New(st, reg, viewers, relay.Options{
		Dedupe:  dedupeCache,
		Logger:  logger,
		Metrics: m,
	})
	reg.RegisterHandler("relay", registry.HandlerFunc(svc.HandleInbound))
	svc.AddHook("tickets", automation.NewTicketHook(st, svc, viewers, logger))

	gw := &Gateway{
		config:    cfg,
		store:     st,
		registry:  reg,
		relay:     svc,
		hub:       viewers,
		directory: directory,
		dedupe:    dedupeCache,
		metrics:   m,
		logger:    logger.With("component", "gateway"),
	}

	if cfg.Export.Enabled {
		pub, err := export.Dial(ctx, export.Options{
			URL:        cfg.Export.AMQPURL,
			Exchange:   cfg.Export.Exchange,
			RoutingKey: cfg.Export.RoutingKey,
			Logger:     logger,
		})
		if err != nil {
			gw.closeComponents()
			_ = st.Close()
			return nil, fmt.Errorf("starting export: %w", err)
		}
		gw.exporter = pub
		svc.AddHook("export", pub)
	}

	m.RegisterGaugeFunc("relay_store_write_queue_depth", "Write operations waiting for the store writer.",
		func() float64 { return float64(st.QueueDepth()) })
	m.RegisterGaugeFunc("relay_connected_accounts", "Accounts with a live connection.",
		func() float64 { return float64(reg.Count()) })

	// A nil *JWTVerifier must not end up inside the interface.
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	apiOpts := api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Verifier:    verifier,
		Logger:      logger,
	}
	if cfg.Metrics.Enabled {
		apiOpts.Metrics = m.Handler()
		apiOpts.MetricsPath = cfg.Metrics.Path
	}

	apiServer := api.New(api.Deps{
		Store:     st,
		Replier:   svc,
		Clients:   reg,
		Directory: directory,
		Viewers:   viewers,
	}, apiOpts)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// connectActiveAccounts connects every active account. Failures are logged and
// reported to viewers but never stop startup.
func (g *Gateway) connectActiveAccounts(ctx context.Context) {
	active, err := g.directory.ListActiveAccounts(ctx)
	if err != nil {
		g.logger.Error("listing active accounts", "error", err)
		return
	}

	var eg errgroup.Group
	eg.SetLimit(startupConnectLimit)
	for _, a := range active {
		eg.Go(func() error {
			status := api.AccountStatus{AccountID: a.ID, IsActive: true}
			if _, err := g.registry.AddClient(ctx, a.Credentials()); err != nil {
				g.logger.Warn("account failed to connect", "account_id", a.ID, "error", err)
				status.Error = err.Error()
			}
			status.Connected = g.registry.IsConnected(a.ID)
			g.hub.Broadcast(ctx, hub.Event{Type: hub.EventAccountStatus, Data: status})
			return nil
		})
	}
	_ = eg.Wait()

	g.logger.Info("startup connections finished",
		"active_accounts", len(active),
		"connected", g.registry.Count(),
	)
}

// startServer serves HTTP on ln in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves the API, connects active accounts and blocks until ctx is
// canceled or the server fails. It always shuts the gateway down before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServer(ln)
	g.connectActiveAccounts(ctx)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown under a fresh deadline since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases in-memory components that hold goroutines or sockets.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.hub != nil {
		g.hub.CloseAll()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.exporter != nil {
		errs = appendCloseError(errs, "export close", g.exporter.Close())
	}
	if g.directory != nil {
		errs = appendCloseError(errs, "directory close", g.directory.Close())
	}
	return errs
}

// Shutdown stops intake first, lets running handlers and queued writes land,
// then closes the network sessions and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.registry.StopAccepting()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	// Handlers and hook replies still in flight write through the store.
	errs = appendCloseError(errs, "inbound handlers", g.registry.WaitIdle(ctx))
	errs = appendCloseError(errs, "store drain", g.store.Drain(ctx))
	errs = appendCloseError(errs, "disconnect accounts", g.registry.DisconnectAll(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}
