package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/xctf/xctf/internal/config"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
	"github.com/xctf/xctf/internal/engine"
	"github.com/xctf/xctf/internal/metrics"
	"github.com/xctf/xctf/internal/nftables"
	"github.com/xctf/xctf/internal/notify"
	"github.com/xctf/xctf/internal/redislock"
	"github.com/xctf/xctf/internal/tasks"
	"github.com/xctf/xctf/internal/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("xctf-worker: starting...")

	ctx := context.Background()

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to parse redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	runtime, err := docker.NewClient(cfg.DockerBin)
	if err != nil {
		log.Fatalf("failed to initialize docker: %v", err)
	}
	version, err := runtime.Version(ctx)
	if err != nil {
		log.Fatalf("failed to get docker version: %v", err)
	}
	log.Printf("xctf-worker: using docker %s", version)

	queue, err := tasks.NewQueue(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to task queue: %v", err)
	}
	defer queue.Close()

	notifier := notify.New(store, rdb)
	eng := engine.New(engine.Config{
		Store:      store,
		Runtime:    runtime,
		Firewall:   nftables.New(cfg.NftablesRulesFile),
		Volumes:    volume.NewManager(cfg.VolumeBase, cfg.VolumeSizeMB),
		Locks:      redislock.NewWithClient(rdb),
		Queue:      queue,
		Notifier:   notifier,
		ServerName: cfg.ServerName,
	})

	worker := tasks.NewWorker(queue, eng, notifier)
	if err := worker.Start(); err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}
	defer worker.Stop()
	log.Println("xctf-worker: task consumer started")

	scheduler := tasks.NewScheduler(queue)
	scheduler.Start()
	defer scheduler.Stop()
	log.Println("xctf-worker: maintenance scheduler started")

	// Prometheus metrics on :9091
	metricsSrv := metrics.StartMetricsServer(":9091")
	defer metricsSrv.Close()
	log.Println("xctf-worker: metrics server started on :9091")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("xctf-worker: shutting down...")
}
