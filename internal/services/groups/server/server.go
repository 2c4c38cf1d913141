// Package server composes the groups stores, the validation gate, job
// admission, and the HTTP router into a runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/timeouts"
	"github.com/broseph/broseph/internal/services/groups/app"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/gate"
	groupsqlite "github.com/broseph/broseph/internal/services/groups/storage/sqlite"
	"github.com/broseph/broseph/internal/services/groups/transport/httpapi"
	workersqlite "github.com/broseph/broseph/internal/services/worker/storage/sqlite"
)

const (
	defaultHTTPAddr = ":8080"
	defaultGroupsDB = "data/groups.db"
	defaultJobsDB   = "data/jobs.db"
)

// Config controls groups server startup.
type Config struct {
	HTTPAddr          string
	GroupsDBPath      string
	JobsDBPath        string
	Limits            domain.Limits
	InviteExpiryDays  int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Server serves the groups HTTP API.
type Server struct {
	httpServer      *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	groupStore      *groupsqlite.Store
	jobStore        *workersqlite.Store
	logger          *zap.Logger
}

// New opens both stores and binds the listener. Close releases them.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.GroupsDBPath) == "" {
		cfg.GroupsDBPath = defaultGroupsDB
	}
	if strings.TrimSpace(cfg.JobsDBPath) == "" {
		cfg.JobsDBPath = defaultJobsDB
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := logging.OrNop(cfg.Logger)

	for _, path := range []string{cfg.GroupsDBPath, cfg.JobsDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create groups storage dir: %w", err)
			}
		}
	}

	groupStore, err := groupsqlite.Open(ctx, cfg.GroupsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open groups sqlite store: %w", err)
	}
	jobStore, err := workersqlite.Open(ctx, cfg.JobsDBPath)
	if err != nil {
		_ = groupStore.Close()
		return nil, fmt.Errorf("open jobs sqlite store: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = jobStore.Close()
		_ = groupStore.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	admission := app.NewAdmission(jobStore, logger, cfg.Clock)
	handler := httpapi.NewHandler(httpapi.Dependencies{
		Service:   app.NewService(gate.New(groupStore, cfg.Limits, cfg.Clock), admission),
		Admission: admission,
		Invites: app.NewInvites(groupStore, app.InviteConfig{
			ExpiryDays: cfg.InviteExpiryDays,
			Limits:     cfg.Limits,
		}, cfg.Clock),
		Prompts: app.NewPrompts(groupStore, cfg.Clock),
		Logger:  logger,
	})

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		listener:        listener,
		shutdownTimeout: cfg.ShutdownTimeout,
		groupStore:      groupStore,
		jobStore:        jobStore,
		logger:          logger,
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the HTTP server until ctx ends, then shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("groups server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	s.logger.Info("groups server listening", zap.String("addr", s.Addr()))
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases the stores.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.jobStore != nil {
		if err := s.jobStore.Close(); err != nil {
			s.logger.Warn("close jobs sqlite store", zap.Error(err))
		}
	}
	if s.groupStore != nil {
		if err := s.groupStore.Close(); err != nil {
			s.logger.Warn("close groups sqlite store", zap.Error(err))
		}
	}
}

// Run creates a server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init groups server: %w", err)
	}
	defer server.Close()
	return server.Serve(ctx)
}
