package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/health"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/config"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/logging"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds the database ping behind /health.
const healthCheckTimeout = 2 * time.Second

// DeviceReader is the read side of the device repository.
type DeviceReader interface {
	GetByID(ctx context.Context, id string) (*device.Device, error)
	List(ctx context.Context, filter device.Filter) ([]device.Device, error)
	CountByStatus(ctx context.Context) (map[presence.Status]int, error)
}

// AuditReader is the query side of the audit store.
type AuditReader interface {
	ListAlerts(ctx context.Context, filter audit.AlertFilter) (*audit.AlertList, error)
	AlertStatusCounts(ctx context.Context, filter audit.AlertFilter) (map[presence.Status]int, error)
	ListSightings(ctx context.Context, filter audit.SightingFilter) (*audit.SightingList, error)
	GetDeviceHistory(ctx context.Context, deviceID string, limit int) (*audit.DeviceHistory, error)
}

// Database is the store handle as seen by health and metrics.
type Database interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// BrokerStatus reports MQTT liveness.
type BrokerStatus interface {
	health.BrokerStats
	IsConnected() bool
}

// SnapshotSource returns the latest health report.
type SnapshotSource interface {
	Latest() (health.Snapshot, bool)
}

// Deps holds the dependencies required by the API server. Devices, Audit and
// Database are required; the rest are optional.
type Deps struct {
	Config    config.APIConfig
	Location  *time.Location
	Logger    *logging.Logger
	Devices   DeviceReader
	Audit     AuditReader
	Database  Database
	MQTT      BrokerStatus
	Processor health.ProcessorStats
	Sweep     health.SweepStatus
	Health    SnapshotSource
	Version   string
}

// Server is the HTTP API server.
//
// It is created with New and started with Start.
type Server struct {
	cfg       config.APIConfig
	loc       *time.Location
	logger    *logging.Logger
	devices   DeviceReader
	audit     AuditReader
	db        Database
	mqtt      BrokerStatus
	processor health.ProcessorStats
	sweep     health.SweepStatus
	health    SnapshotSource
	version   string
	startTime time.Time
	server    *http.Server
	listener  net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device reader is required")
	}
	if deps.Audit == nil {
		return nil, fmt.Errorf("audit reader is required")
	}
	if deps.Database == nil {
		return nil, fmt.Errorf("database is required")
	}

	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Server{
		cfg:       deps.Config,
		loc:       loc,
		logger:    deps.Logger,
		devices:   deps.Devices,
		audit:     deps.Audit,
		db:        deps.Database,
		mqtt:      deps.MQTT,
		processor: deps.Processor,
		sweep:     deps.Sweep,
		health:    deps.Health,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine.
// Binding errors (port in use) are returned synchronously.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server started", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
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
