// Package main starts the standalone Etherith node: in-memory archive,
// synchronous upload pipeline, one HTTP listener.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/etherith-archive/etherith/internal/archive"
	"github.com/etherith-archive/etherith/internal/cas"
	"github.com/etherith-archive/etherith/internal/config"
	"github.com/etherith-archive/etherith/internal/moderation"
	"github.com/etherith-archive/etherith/internal/pinning"
	"github.com/etherith-archive/etherith/internal/pipeline"
	"github.com/etherith-archive/etherith/internal/server"
	"github.com/etherith-archive/etherith/internal/signing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := archive.New()

	// The blob store is best effort for the standalone node: without it the
	// pipeline still runs, content just cannot be served back locally.
	var blobs *cas.BlobStore
	if b, err := cas.NewBlobStore(cfg); err != nil {
		log.Printf("blob store unavailable: %v", err)
	} else if err := b.EnsureBuckets(ctx); err != nil {
		log.Printf("blob store unavailable: %v", err)
	} else {
		blobs = b
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

	orchestrator := pipeline.New(store, pinner, moderator, blobs)
	signer := signing.NewSigner(cfg.SigningSecret)
	srv := server.New(cfg, store, orchestrator, signer, blobs)

	log.Printf("etherith listening on %s", cfg.Address)
	if err := srv.Serve(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
