package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"spotfleet/app/handler"
	"spotfleet/app/middleware"
	"spotfleet/app/router"
	"spotfleet/internal/service"
	"spotfleet/pkg/cloud/awscloud"
	"spotfleet/pkg/cloud/local"
	"spotfleet/pkg/config"
	"spotfleet/pkg/events"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/metrics"
	"spotfleet/pkg/risk"
	mysqlstore "spotfleet/pkg/store/mysql"
	redisstore "spotfleet/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(app.config.Logger); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.InfoCtx(app.ctx, "Logging system has been closed")
		logger.Sync()
	})
	return nil
}

// initDatabase opens the orchestration store and migrates its schema
func (app *Application) initDatabase() error {
	var (
		ds  *mysqlstore.Datastore
		err error
	)
	switch app.config.Database.Driver {
	case "sqlite":
		path := app.config.Database.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		ds, err = mysqlstore.NewSQLiteDatastore(path)
	default:
		ds, err = mysqlstore.NewDatastore(app.config.Database.MySQL.DSN())
	}
	if err != nil {
		return err
	}
	if err := ds.Migrate(app.ctx); err != nil {
		ds.Close()
		return err
	}

	app.mysqlRepo = mysqlstore.NewRepositoryWithDatastore(ds)
	app.registerCleanup(func() {
		app.mysqlRepo.Close()
		logger.InfoCtx(app.ctx, "Database connection has been closed")
	})
	logger.InfoCtx(app.ctx, "Orchestration store ready, driver: %s", app.config.Database.Driver)
	return nil
}

// initRedis initializes Redis. Without an address the coordinator runs single-instance.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		logger.WarnCtx(app.ctx, "Redis not configured, job locks and pool cache disabled")
		return nil
	}
	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

// initProviders initializes the replica provisioner, spot price source and switch stream
func (app *Application) initProviders() error {
	if app.config.AWS.Enabled {
		clients, err := awscloud.NewClients(app.ctx, app.config.AWS.Region)
		if err != nil {
			return fmt.Errorf("failed to create AWS clients: %w", err)
		}
		prices := awscloud.NewSpotPriceChecker(clients, app.clock)
		app.provisioner = awscloud.NewProvisioner(clients, prices)
		if app.config.AWS.PricePoller {
			app.priceSource = prices
		}
		logger.InfoCtx(app.ctx, "EC2 provisioner enabled, region: %s, price_poller: %v",
			app.config.AWS.Region, app.config.AWS.PricePoller)
	} else {
		app.provisioner = local.NewProvisioner(app.clock, 30*time.Second)
		logger.WarnCtx(app.ctx, "AWS disabled, replicas are simulated by the local provisioner")
	}

	app.publisher = events.NewPublisher(app.config.Kafka)
	app.registerCleanup(func() {
		if err := app.publisher.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to close switch publisher: %v", err)
		}
	})
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	c := app.config.Coordinator

	app.agentService = service.NewAgentService(app.mysqlRepo, app.provisioner, app.clock, config.Seconds(c.HeartbeatTimeout))
	app.terminationService = service.NewTerminationService(app.mysqlRepo, app.clock, config.Seconds(c.TerminationGrace))
	app.replicaService = service.NewReplicaService(app.mysqlRepo, app.provisioner, app.clock, config.Seconds(c.ReplicaReadyTimeout))
	app.switchService = service.NewSwitchService(app.mysqlRepo, app.replicaService, app.clock, config.Seconds(c.SwitchLeaseTTL))
	app.savingsService = service.NewSavingsService(app.mysqlRepo, app.clock)
	app.cleanupService = service.NewCleanupService(app.mysqlRepo)

	var poolCache *redisstore.PoolCache
	if app.redisClient != nil {
		poolCache = redisstore.NewPoolCache(app.redisClient, config.Seconds(c.PoolCacheTTL))
	}
	retention := time.Duration(c.PriceRetentionDays) * 24 * time.Hour
	app.poolService = service.NewPoolService(app.mysqlRepo, risk.NewAnalyzer(c.Risk.Policy()), poolCache, app.priceSource, app.clock, retention)

	// Commit listeners: metrics, today's savings snapshot, event stream
	app.switchService.AddListener(metrics.SwitchRecorder{})
	app.switchService.AddListener(app.savingsService)
	app.switchService.AddListener(app.publisher)
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.agentHandler = handler.NewAgentHandler(app.agentService, app.terminationService, app.switchService, app.cleanupService)
	app.replicaHandler = handler.NewReplicaHandler(app.replicaService, app.agentService)
	app.switchHandler = handler.NewSwitchHandler(app.switchService, app.poolService, app.agentService)
	app.savingsHandler = handler.NewSavingsHandler(app.savingsService, app.clock)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(
		app.agentHandler,
		app.replicaHandler,
		app.switchHandler,
		app.savingsHandler,
		middleware.AuthMiddleware(app.config.Server.APIKey, app.agentService),
	)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
