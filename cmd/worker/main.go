package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/7-4-7/Deep-Image-Retreival/config"
	"github.com/7-4-7/Deep-Image-Retreival/database"
	"github.com/7-4-7/Deep-Image-Retreival/pipeline"
	"github.com/7-4-7/Deep-Image-Retreival/queue"
	"github.com/7-4-7/Deep-Image-Retreival/services"
	"github.com/7-4-7/Deep-Image-Retreival/storage"
	"github.com/7-4-7/Deep-Image-Retreival/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal("database: ", err)
	}

	media, err := storage.NewMediaStore(cfg.IncomingDir, cfg.ArchiveDir)
	if err != nil {
		log.Fatal("media store: ", err)
	}

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("queue: ", err)
	}
	defer q.Close()

	captioner := services.NewCaptionClient(services.CaptionConfig{
		APIKey:  cfg.CaptionAPIKey,
		BaseURL: cfg.CaptionBaseURL,
		Model:   cfg.CaptionModel,
		Timeout: cfg.CaptionTimeout,
		Logger:  logger,
	})
	embedder := services.NewCLIPClient(cfg.CLIPHost, cfg.CLIPPort, cfg.CLIPTimeout)
	store := services.NewVectorStore(db, cfg.IndexName, logger)

	ingest := pipeline.NewIngestPipeline(media, captioner, embedder, store,
		cfg.Namespace, cfg.EmbeddingDim, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.New(q, ingest, queue.IngestQueue, cfg.WorkerCount, logger)
	pool.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping workers")
	cancel()
	pool.Stop()
}
