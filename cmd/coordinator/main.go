package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridflow/coordinator/internal/coordinator/adapters/agentcreator"
	coordhttp "github.com/gridflow/coordinator/internal/coordinator/adapters/http"

	"github.com/gridflow/coordinator/internal/coordinator/adapters/audit"
	"github.com/gridflow/coordinator/internal/coordinator/adapters/catalog"
	"github.com/gridflow/coordinator/internal/coordinator/adapters/credential"
	coordevents "github.com/gridflow/coordinator/internal/coordinator/adapters/events"
	"github.com/gridflow/coordinator/internal/coordinator/app/liveness"
	"github.com/gridflow/coordinator/internal/coordinator/app/loop"
	"github.com/gridflow/coordinator/internal/coordinator/app/placement"
	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/cache"
	"github.com/gridflow/coordinator/pkg/config"
	"github.com/gridflow/coordinator/pkg/database"
	"github.com/gridflow/coordinator/pkg/events"
	"github.com/gridflow/coordinator/pkg/logger"
)

func main() {
	cfg, err := config.Load("coordinator")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		log.Fatal("connecting to database failed", "error", err)
	}
	defer db.Close()

	auditRecorder, err := audit.New(db, log)
	if err != nil {
		log.Fatal("setting up scheduling-decision audit trail failed", "error", err)
	}

	credStore, err := credential.New(db, log)
	if err != nil {
		log.Fatal("setting up credential store failed", "error", err)
	}

	var remoteCache cache.Cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis unreachable at startup, catalog cache will run local-only", "error", err)
	} else {
		remoteCache = cache.NewRedisCache(redisClient, nil)
	}
	catalogStore := catalog.New(remoteCache, log)

	var eventPublisher ports.EventPublisher = ports.NoOpEventPublisher{}
	if cfg.Kafka.Enabled {
		bus, err := events.NewKafkaEventBus(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			log.Fatal("connecting to kafka failed", "error", err)
		}
		eventPublisher = coordevents.New(bus, cfg.Kafka.Topic, log)
	}

	var creator ports.AgentCreator
	if cfg.Coordinator.CloudEnabled {
		creator, err = agentcreator.NewCloud(agentcreator.CloudConfig{
			Region:          cfg.Coordinator.Region,
			RefreshInterval: time.Duration(cfg.Coordinator.CatalogRefreshIntervalSecs) * time.Second,
		}, catalogStore, log)
		if err != nil {
			log.Fatal("setting up cloud agent creator failed", "error", err)
		}
	} else {
		creator = agentcreator.NewLocal(cfg.Coordinator.LocalWorkerBinary, log)
	}
	defer creator.Close(context.Background())

	engine := placement.New(placement.Config{
		Region:  cfg.Coordinator.Region,
		Creator: creator,
		Catalog: catalogStore,
		Audit:   auditRecorder,
		Events:  eventPublisher,
		Tolerances: chooser.Tolerances{
			PriceUSDPerHour:     cfg.Coordinator.PriceToleranceUSDPerHour,
			InterruptionPercent: cfg.Coordinator.InterruptionTolerancePct,
		},
		Log: log,
	})

	livenessTracker := liveness.New(liveness.Thresholds{
		Unhealthy: time.Duration(cfg.Coordinator.AgentUnhealthyTimeoutSecs) * time.Second,
		Dead:      time.Duration(cfg.Coordinator.AgentDeadTimeoutSecs) * time.Second,
	}, engine, log)

	commandLoop := loop.New(engine, livenessTracker, time.Duration(cfg.Coordinator.LivenessSweepIntervalSecs)*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	go commandLoop.Run(ctx)

	srv := coordhttp.New(cfg, log, commandLoop, credStore)
	go func() {
		log.Info("starting coordinator", "port", cfg.Server.Port, "region", cfg.Coordinator.Region)
		if err := srv.Start(); err != nil {
			log.Fatal("coordinator http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinator...")
	cancel()
	commandLoop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("coordinator http server forced to shutdown", "error", err)
	}

	log.Info("coordinator exited")
}
