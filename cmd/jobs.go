package main

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"spotfleet/internal/jobs"
	"spotfleet/pkg/config"
	"spotfleet/pkg/lock"
	"spotfleet/pkg/logger"
)

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)
	c := app.config.Coordinator

	// Distributed locks keep several coordinator replicas from running the same cycle.
	// Without Redis the locks degrade to single-instance mode.
	var redisClient *redis.Client
	if app.redisClient != nil {
		redisClient = app.redisClient.GetClient()
	}
	newLock := func(key string) lock.Locker {
		return lock.NewRedisLock(redisClient, "spotfleet:jobs:"+key)
	}

	manager.Register(jobs.NewLockedJob("agent-offline-check", config.Seconds(c.OfflineCheckInterval), newLock("offline"),
		func(ctx context.Context) error {
			_, err := app.agentService.MarkOffline(ctx)
			return err
		}))

	manager.Register(jobs.NewLockedJob("termination-deadline-expiry", config.Seconds(c.DeadlineCheckInterval), newLock("deadlines"),
		func(ctx context.Context) error {
			n, err := app.terminationService.ExpireDeadlines(ctx)
			if n > 0 {
				logger.WarnCtx(ctx, "expired %d termination events past their deadline", n)
			}
			return err
		}))

	manager.Register(jobs.NewLockedJob("replica-reconcile", config.Seconds(c.ReplicaReconcileInterval), newLock("replica-reconcile"),
		func(ctx context.Context) error {
			n, err := app.replicaService.ReconcileProvisioning(ctx)
			if n > 0 {
				logger.DebugCtx(ctx, "reconciled %d provisioning replicas", n)
			}
			return err
		}))

	manager.Register(jobs.NewLockedJob("replica-orphan-sweep", config.Seconds(c.OrphanSweepInterval), newLock("orphan-sweep"),
		func(ctx context.Context) error {
			n, err := app.replicaService.SweepOrphans(ctx)
			if n > 0 {
				logger.InfoCtx(ctx, "orphan sweep terminated %d replicas", n)
			}
			return err
		}))

	if app.priceSource != nil {
		manager.Register(jobs.NewLockedJob("spot-price-poll", config.Seconds(c.PricePollInterval), newLock("price-poll"),
			func(ctx context.Context) error {
				n, err := app.poolService.PollSpotPrices(ctx)
				if n > 0 {
					logger.DebugCtx(ctx, "stored %d polled spot prices", n)
				}
				return err
			}))
	}

	manager.Register(jobs.NewLockedJob("price-retention", 6*time.Hour, newLock("price-retention"),
		func(ctx context.Context) error {
			_, err := app.poolService.PrunePrices(ctx)
			return err
		}))

	manager.Register(jobs.NewLockedCronJob("savings-rollup", c.SavingsCron, newLock("savings"),
		func(ctx context.Context) error {
			n, err := app.savingsService.RecomputeAll(ctx)
			logger.InfoCtx(ctx, "savings rollup refreshed %d snapshots", n)
			return err
		}))

	app.jobsManager = manager
	return nil
}
