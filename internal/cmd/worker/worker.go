// Package worker parses worker command flags and launches the worker runtime.
package worker

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/broseph/broseph/internal/platform/cmd"
	"github.com/broseph/broseph/internal/platform/logging"
	groupdomain "github.com/broseph/broseph/internal/services/groups/domain"
	workerserver "github.com/broseph/broseph/internal/services/worker/app"
)

// Config holds worker command configuration.
type Config struct {
	Port               int           `env:"WORKER_PORT" envDefault:"8089"`
	GroupsDBPath       string        `env:"GROUPS_DB_PATH" envDefault:"data/groups.db"`
	JobsDBPath         string        `env:"JOBS_DB_PATH" envDefault:"data/jobs.db"`
	Consumer           string        `env:"WORKER_CONSUMER" envDefault:"broseph-worker"`
	PollInterval       time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL           time.Duration `env:"WORKER_LEASE_TTL" envDefault:"60s"`
	MaxAttempts        int           `env:"WORKER_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff       time.Duration `env:"WORKER_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay      time.Duration `env:"WORKER_RETRY_MAX_DELAY" envDefault:"5m"`
	BatchSize          int           `env:"WORKER_BATCH_SIZE" envDefault:"16"`
	Workers            int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	MaxGroupsPerUser   int           `env:"MAX_GROUPS_PER_USER" envDefault:"20"`
	MaxMembersPerGroup int           `env:"MAX_MEMBERS_PER_GROUP" envDefault:"10"`
	Logging            logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The worker health gRPC server port")
	fs.StringVar(&cfg.GroupsDBPath, "groups-db-path", cfg.GroupsDBPath, "The groups SQLite database path")
	fs.StringVar(&cfg.JobsDBPath, "jobs-db-path", cfg.JobsDBPath, "The job queue SQLite database path")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Job lease owner name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Job queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Job lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before a job fails")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Jobs leased per poll")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Jobs applied concurrently")
	fs.IntVar(&cfg.MaxGroupsPerUser, "max-groups-per-user", cfg.MaxGroupsPerUser, "Groups a user may belong to")
	fs.IntVar(&cfg.MaxMembersPerGroup, "max-members-per-group", cfg.MaxMembersPerGroup, "Members a group may hold")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.Options{Logging: cfg.Logging}
	return entrypoint.Run(ctx, entrypoint.ServiceWorker, options, func(ctx context.Context, logger *zap.Logger) error {
		return workerserver.Run(ctx, workerserver.RuntimeConfig{
			Port:          cfg.Port,
			GroupsDBPath:  cfg.GroupsDBPath,
			JobsDBPath:    cfg.JobsDBPath,
			Consumer:      cfg.Consumer,
			PollInterval:  cfg.PollInterval,
			LeaseTTL:      cfg.LeaseTTL,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
			BatchSize:     cfg.BatchSize,
			Workers:       cfg.Workers,
			Limits: groupdomain.Limits{
				MaxGroupsPerUser:   cfg.MaxGroupsPerUser,
				MaxMembersPerGroup: cfg.MaxMembersPerGroup,
			},
			Logger: logger,
		})
	})
}
