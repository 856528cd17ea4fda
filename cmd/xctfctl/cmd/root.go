package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xctf/xctf/internal/config"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
	"github.com/xctf/xctf/internal/engine"
	"github.com/xctf/xctf/internal/nftables"
	"github.com/xctf/xctf/internal/notify"
	"github.com/xctf/xctf/internal/redislock"
	"github.com/xctf/xctf/internal/tasks"
	"github.com/xctf/xctf/internal/volume"
)

var rootCmd = &cobra.Command{
	Use:   "xctfctl",
	Short: "xctf operator CLI - manage challenges, users, sandboxes and the firewall",
	Long: `xctfctl is the operator tool for an xctf deployment.

It talks directly to the platform's backing services (PostgreSQL, Redis,
NATS, nftables), so it must run on the host with the same environment
variables as the server.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(challengeCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(firewallCmd)
	rootCmd.AddCommand(volumeCmd)
}

// cmdContext returns a bounded context for one CLI invocation.
func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// openStore connects to the database configured in the environment.
func openStore(ctx context.Context) (*db.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return store, nil
}

// openQueue connects to the NATS task queue.
func openQueue() (*tasks.Queue, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	queue, err := tasks.NewQueue(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect to task queue: %w", err)
	}
	return queue, nil
}

// buildEngine assembles a full sandbox engine against the live services.
// Hooks run inline; the returned closer releases every connection.
func buildEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	runtime, err := docker.NewClient(cfg.DockerBin)
	if err != nil {
		store.Close()
		rdb.Close()
		return nil, nil, fmt.Errorf("initialize docker: %w", err)
	}

	eng := engine.New(engine.Config{
		Store:      store,
		Runtime:    runtime,
		Firewall:   nftables.New(cfg.NftablesRulesFile),
		Volumes:    volume.NewManager(cfg.VolumeBase, cfg.VolumeSizeMB),
		Locks:      redislock.NewWithClient(rdb),
		Notifier:   notify.New(store, rdb),
		ServerName: cfg.ServerName,
	})

	closer := func() {
		store.Close()
		rdb.Close()
	}
	return eng, closer, nil
}
