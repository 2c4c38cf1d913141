// Package groups parses groups command flags and starts the HTTP API.
package groups

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	entrypoint "github.com/broseph/broseph/internal/platform/cmd"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/server"
)

// Config holds groups command configuration.
type Config struct {
	HTTPAddr           string `env:"GROUPS_HTTP_ADDR" envDefault:":8080"`
	GroupsDBPath       string `env:"GROUPS_DB_PATH" envDefault:"data/groups.db"`
	JobsDBPath         string `env:"JOBS_DB_PATH" envDefault:"data/jobs.db"`
	MaxGroupsPerUser   int    `env:"MAX_GROUPS_PER_USER" envDefault:"20"`
	MaxMembersPerGroup int    `env:"MAX_MEMBERS_PER_GROUP" envDefault:"10"`
	InviteExpiryDays   int    `env:"INVITE_EXPIRY_DAYS" envDefault:"7"`
	Logging            logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "groups HTTP listen address")
	fs.StringVar(&cfg.GroupsDBPath, "groups-db-path", cfg.GroupsDBPath, "groups SQLite database path")
	fs.StringVar(&cfg.JobsDBPath, "jobs-db-path", cfg.JobsDBPath, "job queue SQLite database path")
	fs.IntVar(&cfg.MaxGroupsPerUser, "max-groups-per-user", cfg.MaxGroupsPerUser, "groups a user may belong to")
	fs.IntVar(&cfg.MaxMembersPerGroup, "max-members-per-group", cfg.MaxMembersPerGroup, "members a group may hold")
	fs.IntVar(&cfg.InviteExpiryDays, "invite-expiry-days", cfg.InviteExpiryDays, "days before an invite expires")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the groups server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.Options{Logging: cfg.Logging}
	return entrypoint.Run(ctx, entrypoint.ServiceGroups, options, func(ctx context.Context, logger *zap.Logger) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:     cfg.HTTPAddr,
			GroupsDBPath: cfg.GroupsDBPath,
			JobsDBPath:   cfg.JobsDBPath,
			Limits: domain.Limits{
				MaxGroupsPerUser:   cfg.MaxGroupsPerUser,
				MaxMembersPerGroup: cfg.MaxMembersPerGroup,
			},
			InviteExpiryDays: cfg.InviteExpiryDays,
			Logger:           logger,
		}); err != nil {
			return fmt.Errorf("serve groups: %w", err)
		}
		return nil
	})
}
