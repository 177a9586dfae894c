package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/database"
	"github.com/etherith-archive/etherith/internal/moderation"
	"github.com/etherith-archive/etherith/internal/pinning"
	"github.com/etherith-archive/etherith/internal/repository"
	"github.com/etherith-archive/etherith/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewMemoryRepository(pool)

	blobs, err := cas.NewBlobStore(cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}
	if err := blobs.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	var pinner pinning.Pinner
	if cfg.PinningEndpoint != "" {
		pinner = pinning.NewClient(cfg.PinningEndpoint, cfg.PinningToken)
	} else {
		log.Printf("no pinning endpoint configured, using local CIDs only")
	}

	var moderator moderation.Moderator
	if cfg.ModerationEndpoint != "" {
		moderator = moderation.NewClient(cfg.ModerationEndpoint)
	} else {
		moderator = moderation.NewHeuristic()
	}

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	processor := worker.NewProcessor(repo, blobs, pinner, moderator)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
