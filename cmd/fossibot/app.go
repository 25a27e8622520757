package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/cloud"
	"github.com/iamslan/fossibot/internal/controller"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/infrastructure/database"
	"github.com/iamslan/fossibot/internal/infrastructure/logging"
	"github.com/iamslan/fossibot/internal/infrastructure/metrics"
	"github.com/iamslan/fossibot/internal/infrastructure/mqtt"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/safety"
	"github.com/iamslan/fossibot/internal/state"
	"github.com/iamslan/fossibot/migrations"
)

// errNotConnected is returned when a one-shot command gives up waiting for
// the stream.
var errNotConnected = errors.New("stream not connected")

// app is the assembled controller: cloud sign-in, stream, dispatcher,
// controller and state store.
//
// The orchestrator, dispatcher and controller reference each other. relay
// breaks the cycle: it is handed to the first two and pointed at the
// controller once it exists, before anything starts.
type app struct {
	cfg *config.Config
	log *logging.Logger

	db      *database.DB
	audit   audit.Repository
	metrics *metrics.Metrics

	provider *cloud.Provider
	orch     *orchestrator.Orchestrator
	disp     *dispatcher.Dispatcher
	ctrl     *controller.Controller
	store    *state.Store

	ready     chan struct{}
	readyOnce sync.Once
}

// appOptions selects the optional parts of the app.
type appOptions struct {
	// withMetrics builds the Prometheus collectors and wires them as
	// observers.
	withMetrics bool
}

// relay forwards orchestrator and dispatcher callbacks to the controller.
type relay struct {
	ctrl *controller.Controller
}

func (r *relay) handle(msg orchestrator.Message) {
	r.ctrl.HandleMessage(msg)
}

func (r *relay) readRequest(dev orchestrator.Device) ([]byte, error) {
	return r.ctrl.ReadRequest(dev)
}

// ApplyAcknowledged implements dispatcher.AckSink.
func (r *relay) ApplyAcknowledged(deviceID string, register uint16, values []uint16) {
	r.ctrl.ApplyAcknowledged(deviceID, register, values)
}

// newApp wires every component without starting any of them.
//
// Parameters:
//   - ctx: Context for opening the database and running migrations
//   - cfg: Validated configuration with account credentials
//   - log: Root logger
//   - opts: Optional components
//
// Returns:
//   - *app: Wired components, ready for start
//   - error: If a component cannot be built
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:   cfg,
		log:   log,
		store: state.NewStore(),
		ready: make(chan struct{}),
	}
	a.store.SetLogger(log.Component("state"))

	if err := a.openAudit(ctx); err != nil {
		return nil, err
	}

	provider, err := cloud.NewProvider(cfg.Cloud, cfg.Account.Locale)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating cloud provider: %w", err)
	}
	provider.SetLogger(log.Component("cloud"))
	a.provider = provider

	transport, err := mqtt.NewTransport(cfg.Stream)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating stream transport: %w", err)
	}
	transport.SetLogger(log.Component("mqtt"))
	topics := mqtt.Topics{Namespace: cfg.Stream.Namespace}

	r := &relay{}
	a.orch, err = orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Auth:        provider,
		Transport:   transport,
		Topics:      topics,
		Handler:     r.handle,
		ReadRequest: r.readRequest,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	a.orch.SetLogger(log.Component("orchestrator"))

	a.disp = dispatcher.New(dispatcher.Config{
		PollInterval: cfg.GetPollInterval(),
		AckTimeout:   cfg.GetAckTimeout(),
	}, dispatcher.Deps{
		Sender:      a.orch,
		Devices:     a.orch,
		ReadRequest: r.readRequest,
		Acks:        r,
	})
	a.disp.SetLogger(log.Component("dispatcher"))

	validator, err := safety.NewValidator(safety.DefaultWhitelist())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building write whitelist: %w", err)
	}

	deps := controller.Deps{
		Validator:  validator,
		Dispatcher: a.disp,
		State:      a.store,
		Topics:     topics,
		Devices:    a.orch,
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}
	if opts.withMetrics {
		a.metrics = metrics.New()
		deps.Observer = a.metrics
	}
	a.ctrl, err = controller.New(deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating controller: %w", err)
	}
	a.ctrl.SetLogger(log.Component("controller"))
	r.ctrl = a.ctrl

	// State observers must be registered before the orchestrator starts.
	a.orch.OnStateChange(a.ctrl.OnStateChange)
	a.orch.OnStateChange(a.markReady)
	if a.metrics != nil {
		a.orch.OnStateChange(a.metrics.ObserveState)
		a.store.Subscribe(a.metrics.ObserveDevice)
		if err := a.metrics.RegisterSources(a.orch.Stats, a.disp.Stats); err != nil {
			a.close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return a, nil
}

// openAudit opens the audit database when it is enabled.
func (a *app) openAudit(ctx context.Context) error {
	if !a.cfg.Database.Enabled {
		a.log.Info("command audit log disabled")
		return nil
	}

	db, err := database.Open(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("running migrations: %w", err)
	}
	a.log.Info("database ready", "path", db.Path(), "migrations_applied", applied)

	a.db = db
	a.audit = audit.NewSQLiteRepository(db.DB)
	return nil
}

// orchestratorConfig maps the configuration onto orchestrator settings.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return orchestrator.Config{
		Credentials: orchestrator.Credentials{
			Username: cfg.Account.Username,
			Password: cfg.Account.Password,
		},
		FallbackEndpoint: cfg.Stream.FallbackEndpoint,
		ResolveTimeout:   sec(cfg.Stream.ResolveTimeout),
		ConnectTimeout:   cfg.Stream.GetConnectTimeout(),
		GraceWindow:      sec(cfg.Stream.GraceWindow),
		HeartbeatTimeout: sec(cfg.Stream.HeartbeatTimeout),
		DedupTTL:         sec(cfg.Stream.DedupTTL),
		Backoff: orchestrator.BackoffConfig{
			Initial:    sec(cfg.Reconnect.InitialDelay),
			Max:        sec(cfg.Reconnect.MaxDelay),
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
	}
}

func (a *app) markReady(_, to orchestrator.State) {
	if to == orchestrator.StateConnected {
		a.readyOnce.Do(func() { close(a.ready) })
	}
}

// start launches the dispatcher and the orchestrator.
func (a *app) start(ctx context.Context) error {
	a.disp.Start(ctx)
	if err := a.orch.Start(ctx); err != nil {
		a.disp.Stop()
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	return nil
}

// waitConnected blocks until the stream is verified for the first time.
func (a *app) waitConnected(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		if last := a.orch.Stats().LastError; last != "" {
			return fmt.Errorf("%w: %s", errNotConnected, last)
		}
		return fmt.Errorf("%w: %w", errNotConnected, ctx.Err())
	}
}

// stop shuts components down in reverse start order.
func (a *app) stop() {
	a.orch.Stop()
	a.disp.Stop()
	a.close()
}

// close releases the database.
func (a *app) close() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
	a.db = nil
}
