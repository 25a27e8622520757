package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/controller"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/infrastructure/logging"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander executes field writes. Implemented by controller.Controller.
type Commander interface {
	Write(ctx context.Context, req controller.WriteRequest) (dispatcher.Result, error)
}

// StateReader exposes device state. Implemented by state.Store.
type StateReader interface {
	Get(deviceID string) (state.DeviceState, bool)
	All() []state.DeviceState
	Subscribe(fn func(state.DeviceState)) (unsubscribe func())
}

// Connection exposes the stream lifecycle. Implemented by
// orchestrator.Orchestrator.
type Connection interface {
	State() orchestrator.State
	Stats() orchestrator.Stats
	Devices() []orchestrator.Device
}

// HealthChecker is satisfied by database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger
	Commands Commander
	State    StateReader
	Conn     Connection

	// Audit is optional. Without it the audit endpoint answers 503.
	Audit audit.Repository

	// Database is optional and only used by the status endpoint.
	Database HealthChecker

	// Exporter serves Prometheus metrics at Metrics.Path when set.
	Exporter http.Handler

	Version string
}

// Server is the HTTP API server for the Fossibot controller.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	metricCfg config.MetricsConfig
	logger    *logging.Logger
	commands  Commander
	state     StateReader
	conn      Connection
	auditRepo audit.Repository
	db        HealthChecker
	exporter  http.Handler
	version   string
	startTime time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc

	mu    sync.Mutex
	unsub func()
	addr  net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, commands, state, connection)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Commands == nil {
		return nil, errors.New("command service is required")
	}
	if deps.State == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Conn == nil {
		return nil, errors.New("connection is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		metricCfg: deps.Metrics,
		logger:    deps.Logger,
		commands:  deps.Commands,
		state:     deps.State,
		conn:      deps.Conn,
		auditRepo: deps.Audit,
		db:        deps.Database,
		exporter:  deps.Exporter,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.SetSnapshot(s.snapshot)
	return s, nil
}

// Hub returns the WebSocket hub, for wiring connection state broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to state changes for broadcast,
// binds the listener and serves in a background goroutine. The server can
// be stopped with Close().
//
// Parameters:
//   - ctx: Parent of the hub's lifetime
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.mu.Lock()
	s.unsub = s.state.Subscribe(s.broadcastState)
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// BroadcastConnectionState pushes a connection transition to WebSocket
// clients. It has the orchestrator.StateChangeFunc signature.
func (s *Server) BroadcastConnectionState(from, to orchestrator.State) {
	s.hub.Broadcast(ChannelConnection, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

// broadcastState forwards a store change to WebSocket clients.
func (s *Server) broadcastState(ds state.DeviceState) {
	s.hub.Broadcast(ChannelDeviceState, ds)
}
