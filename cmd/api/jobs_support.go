package main

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/config"
	"github.com/yourusername/call-intake/internal/jobs"
)

// analysisJobScheduler は jobs.Manager を api.JobScheduler として使うためのアダプタです。
type analysisJobScheduler struct {
	manager *jobs.Manager
}

func (s *analysisJobScheduler) Schedule(ctx context.Context, queueID, credential string) (string, error) {
	return s.manager.Enqueue(ctx, queueID, credential)
}

func setupJobs(cfg *config.Config, runner jobs.Runner, logger *zap.Logger) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	store := jobs.NewStore(redisClient, cfg.JobTTL())
	manager, err := jobs.NewManager(cfg, runner, store, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	return manager, nil
}
