package app

import (
	"time"

	"photo_server/server/common/bootstrap"
	cmnenv "photo_server/server/common/env"
	"photo_server/server/indexer/service"
)

type WorkerOptions struct {
	service.Options
	Describe bool
}

type Config struct {
	HealthPort string
	Worker     WorkerOptions

	bootstrap.Config
}

func LoadWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Options: service.Options{
			MaxAttempts:   uint64(max(cmnenv.Int("WORKER_MAX_ATTEMPTS", 3), 1)),
			RetryBase:     cmnenv.Duration("WORKER_RETRY_BASE", 500*time.Millisecond),
			RetryCap:      cmnenv.Duration("WORKER_RETRY_CAP", 10*time.Second),
			SweepInterval: cmnenv.Duration("WORKER_SWEEP_INTERVAL", time.Minute),
			GracePeriod:   cmnenv.Duration("WORKER_GRACE_PERIOD", 30*time.Second),
			ClaimTTL:      cmnenv.Duration("WORKER_CLAIM_TTL", 5*time.Minute),
			SweepBatch:    cmnenv.Int("WORKER_SWEEP_BATCH", 100),
			Concurrency:   cmnenv.Int("WORKER_CONCURRENCY", 2),
		},
		Describe: cmnenv.Bool("WORKER_DESCRIBE", false),
	}
}

func LoadConfig() Config {
	return Config{
		HealthPort: cmnenv.String("INDEXER_HEALTH_PORT", "8001"),
		Worker:     LoadWorkerOptions(),
		Config:     bootstrap.LoadConfig(),
	}
}
