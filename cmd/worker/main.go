// Command worker runs the task-runner worker pool and the periodic
// scheduler against the shared broker, metadata store and cache.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/config"
	"github.com/chunkvault/chunkvault/internal/cache"
	"github.com/chunkvault/chunkvault/internal/metadata"
	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/internal/node"
	"github.com/chunkvault/chunkvault/internal/nodes"
	"github.com/chunkvault/chunkvault/internal/tasks"
	"github.com/chunkvault/chunkvault/pkg/env"
	"github.com/chunkvault/chunkvault/pkg/logging"
)

func main() {
	env.LoadEnv()

	cfg, err := config.Load(".")
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	log := logging.NewLogger(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := metadata.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("open metadata store")
	}
	defer store.Close()

	var backend cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		backend = cache.NewRedis(cfg.Cache.RedisAddr)
	default:
		backend = cache.NewMemory()
	}
	met := metrics.New(prometheus.DefaultRegisterer)
	chunkCache := cache.New(backend, cache.TTLsFromOverrides(cfg.CacheTTLs), met, log)
	defer chunkCache.Close()

	client := node.NewClient(cfg.NodeRequestTimeout)
	registry := nodes.NewRegistry(cfg.StorageNodes, client, 10*time.Second, log)

	broker, err := tasks.OpenBroker(cfg.Broker.Path, log)
	if err != nil {
		log.WithError(err).Fatal("open broker")
	}
	defer broker.Close()

	poolCfg := tasks.DefaultPoolConfig()
	poolCfg.Workers = cfg.Worker.Count
	poolCfg.MaxTasks = cfg.Worker.MaxTasks

	pool := tasks.NewPool(broker, poolCfg, met, log)
	handlers := tasks.NewHandlers(store, chunkCache, client, registry, broker, met, log, cfg.ReplicationFactor)
	handlers.RegisterAll(pool)
	pool.Start(ctx)

	scheduler := tasks.NewScheduler(broker, tasks.SchedulerConfig{
		ProbeInterval:        cfg.HealthProbeInterval,
		VerificationSchedule: cfg.VerificationSchedule,
		ShareCleanupSchedule: cfg.ShareCleanupSchedule,
	}, log)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}

	log.WithField("workers", poolCfg.Workers).Info("worker running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("shutting down")

	scheduler.Stop()
	cancel()
	pool.Wait()
}
