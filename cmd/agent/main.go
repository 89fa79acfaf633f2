package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"spotfleet/internal/agent"
	"spotfleet/pkg/cloud/awscloud"
	"spotfleet/pkg/config"
	"spotfleet/pkg/logger"

	"github.com/jonboulle/clockwork"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		logger.FatalCtx(context.Background(), "Failed to load agent config: %v", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		logger.FatalCtx(context.Background(), "Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metadata := awscloud.NewMetadata(cfg.MetadataEndpoint)
	identity, err := metadata.Identity(ctx)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to read instance identity: %v", err)
	}

	clients, err := awscloud.NewClients(ctx, identity.Region)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create AWS clients: %v", err)
	}
	clock := clockwork.NewRealClock()

	opts := agent.Options{
		Metadata: metadata,
		Prices:   awscloud.NewSpotPriceChecker(clients, clock),
		Clock:    clock,
	}
	if cfg.CleanupEnabled {
		opts.Cleaner = awscloud.NewCleaner(clients, identity.Region, cfg.SnapshotRetentionDays, cfg.ImageRetentionDays)
	}

	a := agent.New(*cfg, agent.NewClient(cfg), opts)
	logger.InfoCtx(ctx, "Spot agent %s starting, instance: %s, pool: %s.%s",
		agent.Version, identity.InstanceID, identity.InstanceType, identity.AZ)

	if err := a.Run(ctx); err != nil {
		logger.ErrorCtx(ctx, "Agent stopped with error: %v", err)
		os.Exit(1)
	}
	logger.InfoCtx(context.Background(), "Agent stopped, state: %s", a.State())
}
