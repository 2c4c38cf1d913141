package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	platformgrpc "github.com/broseph/broseph/internal/platform/grpc"
	"github.com/broseph/broseph/internal/platform/logging"
	groupdomain "github.com/broseph/broseph/internal/services/groups/domain"
	groupsqlite "github.com/broseph/broseph/internal/services/groups/storage/sqlite"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
	workersqlite "github.com/broseph/broseph/internal/services/worker/storage/sqlite"
)

// RuntimeConfig controls worker startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port          int
	GroupsDBPath  string
	JobsDBPath    string
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	BatchSize     int
	Workers       int
	Limits        groupdomain.Limits
	Logger        *zap.Logger
}

const (
	defaultWorkerPort = 8089
	defaultGroupsDB   = "data/groups.db"
	defaultJobsDB     = "data/jobs.db"

	healthService = "worker.runtime"
)

// Handlers registers the membership handlers by kind.
func Handlers(deps workerdomain.Dependencies) map[workerdomain.Kind]workerdomain.Handler {
	lifecycle := workerdomain.NewGroupLifecycleHandler(deps)
	return map[workerdomain.Kind]workerdomain.Handler{
		workerdomain.KindCreateGroup:  lifecycle,
		workerdomain.KindDeleteGroup:  lifecycle,
		workerdomain.KindLeaveGroup:   workerdomain.NewLeaveGroupHandler(deps),
		workerdomain.KindAcceptInvite: workerdomain.NewAcceptInviteHandler(deps),
		workerdomain.KindSendMessage:  workerdomain.NewSendMessageHandler(deps),
	}
}

// Run opens both stores, serves gRPC health, and runs the dispatcher until
// ctx is cancelled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultWorkerPort
	}
	if strings.TrimSpace(cfg.GroupsDBPath) == "" {
		cfg.GroupsDBPath = defaultGroupsDB
	}
	if strings.TrimSpace(cfg.JobsDBPath) == "" {
		cfg.JobsDBPath = defaultJobsDB
	}
	logger := logging.OrNop(cfg.Logger)

	for _, path := range []string{cfg.GroupsDBPath, cfg.JobsDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create worker storage dir: %w", err)
			}
		}
	}

	groupStore, err := groupsqlite.Open(ctx, cfg.GroupsDBPath)
	if err != nil {
		return fmt.Errorf("open groups sqlite store: %w", err)
	}
	defer func() {
		if closeErr := groupStore.Close(); closeErr != nil {
			logger.Warn("close groups sqlite store", zap.Error(closeErr))
		}
	}()

	jobStore, err := workersqlite.Open(ctx, cfg.JobsDBPath)
	if err != nil {
		return fmt.Errorf("open jobs sqlite store: %w", err)
	}
	defer func() {
		if closeErr := jobStore.Close(); closeErr != nil {
			logger.Warn("close jobs sqlite store", zap.Error(closeErr))
		}
	}()

	dispatcher := New(
		jobStore,
		Handlers(workerdomain.Dependencies{
			Store:  groupStore,
			Limits: cfg.Limits,
			Logger: logger,
		}),
		Config{
			Consumer:      cfg.Consumer,
			PollInterval:  cfg.PollInterval,
			LeaseTTL:      cfg.LeaseTTL,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
			BatchSize:     cfg.BatchSize,
			Workers:       cfg.Workers,
		},
		logger,
		nil,
	)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on worker port %d: %w", cfg.Port, err)
	}

	healthServer, err := platformgrpc.ServeHealth(listener, healthService)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("serve worker health: %w", err)
	}
	defer healthServer.Stop()

	logger.Info("worker health server listening", zap.String("addr", healthServer.Addr()))
	return dispatcher.Run(ctx)
}
