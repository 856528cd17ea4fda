package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xctf/xctf/internal/api"
	"github.com/xctf/xctf/internal/auth"
	"github.com/xctf/xctf/internal/config"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
	"github.com/xctf/xctf/internal/engine"
	"github.com/xctf/xctf/internal/nftables"
	"github.com/xctf/xctf/internal/notify"
	"github.com/xctf/xctf/internal/redislock"
	"github.com/xctf/xctf/internal/session"
	"github.com/xctf/xctf/internal/tasks"
	"github.com/xctf/xctf/internal/volume"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("XCTF_JWT_SECRET is required")
	}

	ctx := context.Background()

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("xctf: running database migrations...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("xctf: database migrations complete")

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
	log.Printf("xctf: using docker %s", version)

	firewall := nftables.New(cfg.NftablesRulesFile)
	volumes := volume.NewManager(cfg.VolumeBase, cfg.VolumeSizeMB)
	locks := redislock.NewWithClient(rdb)

	var queue *tasks.Queue
	q, err := tasks.NewQueue(cfg.NATSURL)
	if err != nil {
		log.Printf("xctf: task queue not available: %v (running hooks inline)", err)
	} else {
		queue = q
		defer queue.Close()
		log.Println("xctf: task queue connected")
	}

	notifier := notify.New(store, rdb)
	eng := engine.New(engine.Config{
		Store:      store,
		Runtime:    runtime,
		Firewall:   firewall,
		Volumes:    volumes,
		Locks:      locks,
		Queue:      enqueuerOrNil(queue),
		Notifier:   notifier,
		ServerName: cfg.ServerName,
	})

	sessionTTL := time.Duration(cfg.SessionTTLHrs) * time.Hour
	registry := session.NewRegistry(store, sessionTTL)
	issuer := auth.NewJWTIssuer(cfg.JWTSecret)

	server := api.NewServer(api.ServerConfig{
		Store:      store,
		Engine:     eng,
		Sessions:   registry,
		Queue:      queueOrNil(queue),
		Notifier:   notifier,
		Issuer:     issuer,
		Auth:       auth.NewMiddleware(issuer, store, eng),
		Limiter:    auth.NewRateLimiter(rdb, cfg.RateLimitEnabled),
		SessionTTL: sessionTTL,
	})

	// Rebuild firewall state from the DB so a restart does not leave
	// stale or missing grants behind.
	go func() {
		if err := eng.RebuildFirewall(ctx); err != nil {
			log.Printf("xctf: cold-start firewall rebuild: %v", err)
		} else {
			log.Println("xctf: firewall state rebuilt from database")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("xctf: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("xctf: shutting down...")
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
}

// enqueuerOrNil avoids storing a typed nil in the engine's interface field.
func enqueuerOrNil(q *tasks.Queue) engine.Enqueuer {
	if q == nil {
		return nil
	}
	return q
}

func queueOrNil(q *tasks.Queue) api.TaskQueue {
	if q == nil {
		return nil
	}
	return q
}
