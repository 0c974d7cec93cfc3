package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/config"
	"github.com/xuan1250/transfer2read/internal/llm"
	"github.com/xuan1250/transfer2read/internal/orchestrator"
	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/queue"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/router"
	"github.com/xuan1250/transfer2read/internal/storage"
)

const (
	queueKey      = "jobs:queue"
	processingKey = "jobs:processing"
	leasePrefix   = "jobs:lease"
)

// app bundles the shared backends and the orchestrator both subcommands
// wire up.
type app struct {
	cfg          *config.Config
	log          *logrus.Logger
	db           *repository.DB
	rdb          *redis.Client
	store        storage.ObjectStore
	queue        queue.Queue
	publisher    *progress.Publisher
	orchestrator *orchestrator.Orchestrator

	providers []*llm.GeminiProvider
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := repository.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connect failed: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	store, err := storage.New(storage.Config{
		Provider: cfg.StorageProvider,
		Endpoint: cfg.StorageEndpoint,
		Bucket:   cfg.StorageBucket,
		Region:   cfg.StorageRegion,
		ID:       cfg.StorageID,
		Secret:   cfg.StorageSecret,
	})
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	primary, err := llm.NewGeminiProvider(ctx, "gemini-primary", cfg.GeminiAPIKey, cfg.PrimaryModel)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("primary provider init failed: %w", err)
	}
	fallback, err := llm.NewGeminiProvider(ctx, "gemini-fallback", cfg.GeminiAPIKey, cfg.FallbackModel)
	if err != nil {
		primary.Close()
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("fallback provider init failed: %w", err)
	}

	rt := router.New(primary, fallback, router.Config{
		MaxRetries: cfg.CallRetries,
		BaseDelay:  cfg.CallRetryBase,
	}, log)

	jobQueue := queue.NewRedisQueue(rdb, queueKey, processingKey)
	leases := queue.NewLeaseManager(rdb, leasePrefix, cfg.LeaseTTL)
	publisher := progress.NewPublisher(rdb, cfg.ProgressEventTTL)

	qualityCfg := quality.DefaultConfig()
	qualityCfg.LowConfidence = cfg.LowConfidence

	orch := orchestrator.New(
		repository.NewJobRepository(db),
		repository.NewUsageLedger(db),
		db,
		repository.NewArtifactStore(db),
		jobQueue,
		orchestrator.WrapLeaseManager(leases),
		publisher,
		rt,
		store,
		&orchestrator.StoragePageSource{Store: store, MaxPages: cfg.MaxPages},
		nil,
		orchestrator.Config{
			RetryCeiling:       cfg.JobRetryCeiling,
			RetryUnit:          cfg.JobRetryUnit,
			JobTimeout:         cfg.JobTimeout,
			PageConcurrency:    cfg.PageConcurrency,
			LeaseRenewInterval: cfg.LeaseTTL / 3,
			DownloadURLTTL:     cfg.DownloadURLTTL,
			Quality:            qualityCfg,
			TierLimits:         cfg.TierLimits,
		},
		log,
	)

	return &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		rdb:          rdb,
		store:        store,
		queue:        jobQueue,
		publisher:    publisher,
		orchestrator: orch,
		providers:    []*llm.GeminiProvider{primary, fallback},
	}, nil
}

func (a *app) Close() {
	for _, p := range a.providers {
		p.Close()
	}
	a.rdb.Close()
	a.db.Close()
}
