package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zimmra/sony-cisip2/internal/cisip2"
	"github.com/zimmra/sony-cisip2/internal/history"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/config"
	"github.com/zimmra/sony-cisip2/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the receiver client surface the API needs. Implemented by
// *cisip2.Controller.
type Controller interface {
	SubmitCommand(ctx context.Context, req cisip2.CommandRequest) (cisip2.CommandResult, error)
	ZoneState(zone cisip2.ZoneID) (cisip2.ZoneState, error)
	ZoneStates() []cisip2.ZoneState
	Device() cisip2.DeviceInfo
	SessionState() cisip2.SessionState
	Subscribe(fn func(cisip2.Event)) func()
	Stats() cisip2.Stats
}

// BridgeMetrics provides MQTT bridge counters for the metrics endpoint.
type BridgeMetrics interface {
	GetMetrics() map[string]any
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller Controller
	History    history.Store // optional; history endpoint returns 503 when nil
	Bridge     BridgeMetrics // optional
	Version    string
}

// Server is the HTTP API server for the cisip2 daemon.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	controller  Controller
	history     history.Store
	bridge      BridgeMetrics
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		controller: deps.Controller,
		history:    deps.History,
		bridge:     deps.Bridge,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to receiver
// events for real-time WebSocket broadcast, and launches the HTTP listener
// in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Relay receiver events to WebSocket subscribers.
	s.unsubscribe = s.controller.Subscribe(s.relayEvent)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
