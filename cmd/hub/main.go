// Command hub launches the Sentinel edge hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/beaconsafe/sentinel/config"
	"github.com/beaconsafe/sentinel/internal/domain/devicestore"
	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
	"github.com/beaconsafe/sentinel/internal/domain/workqueue"
	"github.com/beaconsafe/sentinel/internal/forwarder"
	"github.com/beaconsafe/sentinel/internal/infra/persistence"
	"github.com/beaconsafe/sentinel/internal/infra/persistence/migrations"
	"github.com/beaconsafe/sentinel/internal/infra/persistence/postgres"
	infratelemetry "github.com/beaconsafe/sentinel/internal/infra/telemetry"
	"github.com/beaconsafe/sentinel/internal/ingress"
	"github.com/beaconsafe/sentinel/internal/liveness"
	"github.com/beaconsafe/sentinel/internal/observability"
	"github.com/beaconsafe/sentinel/internal/remote"
	"github.com/beaconsafe/sentinel/internal/scheduler"
	"github.com/beaconsafe/sentinel/internal/syncengine"
	"github.com/beaconsafe/sentinel/lib/async"
	"github.com/beaconsafe/sentinel/lib/telemetry"
)

const (
	defaultConfigPath = "config/hub.yaml"
	hubLoggerPrefix   = "sentinel-hub "
	defaultHubName    = "sentinel-hub"

	workerCount = 4
	workerQueue = 16

	shutdownTimeout          = 30 * time.Second
	ingressShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, hubName := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, hubLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Logging.Debug))
	infratelemetry.SetEnvironment(string(cfg.Environment))
	logger.Printf("configuration initialised: env=%s, remote=%s", cfg.Environment, cfg.Remote.BaseURL)

	telemetryShutdown, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	if err := ensureDataDirs(cfg.Storage); err != nil {
		logger.Fatalf("prepare data directories: %v", err)
	}

	pool, err := persistence.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	if err := migrations.ApplyEmbedded(ctx, cfg.Database.DSN, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	alertQueue := postgres.NewAlertQueueStore(pool)
	heartbeatQueue := postgres.NewHeartbeatQueueStore(pool)
	deviceStore := postgres.NewDeviceStore(pool)
	resourceStore := postgres.NewSyncResourceStore(pool)
	contentStore := postgres.NewContentStore(pool)
	identityStore := postgres.NewIdentityStore(pool)

	// Items stranded in sending by a previous crash become eligible again
	// before any forwarder runs.
	recoverQueues(ctx, logger, map[string]workqueue.Store{
		"alerts":     alertQueue,
		"heartbeats": heartbeatQueue,
	})

	client := remote.NewClient(cfg.Remote)
	pairer := remote.NewPairer(client, identityStore, hubName)
	if err := pairer.EnsurePaired(ctx); err != nil {
		logger.Fatalf("pair with remote authority: %v", err)
	}
	logger.Printf("hub identity ready: hub_id=%s", client.Credentials().HubID)

	alertForwarder := forwarder.NewAlertForwarder(alertQueue, client, cfg.Queues.AlertBatchSize)
	heartbeatForwarder := forwarder.NewHeartbeatForwarder(heartbeatQueue, client, cfg.Queues.HeartbeatBatchSize)
	monitor := liveness.NewMonitor(deviceStore, cfg.Liveness.Timeout)
	engine := syncengine.New(resourceStore, contentStore, client, client,
		cfg.Storage.ResourceDir(), cfg.Storage.ContentDir(),
		syncengine.WithPrune(cfg.Storage.PruneEnabled()))

	workerPool, err := async.NewPool(workerCount, workerQueue)
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}

	sched := scheduler.New(workerPool)
	if err := registerTasks(sched, cfg, alertForwarder, heartbeatForwarder, monitor, engine, alertQueue, heartbeatQueue, deviceStore); err != nil {
		logger.Fatalf("register scheduler tasks: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatalf("start scheduler: %v", err)
	}

	ingressServer := buildIngressServer(cfg, alertQueue, heartbeatQueue, deviceStore, resourceStore, contentStore)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := ingressServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ingress server: %v", err)
		}
	})
	logger.Printf("ingress listening on %s", ingressServer.Addr)

	logger.Print("hub started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		ingress:           ingressServer,
		mainCancel:        cancel,
		scheduler:         sched,
		workerPool:        workerPool,
		lifecycle:         &lifecycle,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (configPath, hubName string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to hub configuration file (default: %s)", defaultConfigPath))
	name := flag.String("name", defaultHubName, "Hub name presented during pairing")
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath, *name
	}
	return filepath.Clean(defaultConfigPath), *name
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	providers, shutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.EnableMetrics && cfg.OTLPEndpoint != "" {
		observability.SetMetrics(telemetry.NewCollector(providers.MeterProvider))
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return shutdown, nil
}

func ensureDataDirs(cfg config.StorageConfig) error {
	for _, dir := range []string{cfg.ResourceDir(), cfg.ContentDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func recoverQueues(ctx context.Context, logger *log.Logger, queues map[string]workqueue.Store) {
	for name, queue := range queues {
		recovered, err := queue.RecoverStuck(ctx)
		if err != nil {
			logger.Fatalf("recover stuck %s: %v", name, err)
		}
		if recovered > 0 {
			logger.Printf("requeued %d %s left in sending by previous run", recovered, name)
		}
	}
}

func registerTasks(
	sched *scheduler.Scheduler,
	cfg config.Config,
	alerts *forwarder.AlertForwarder,
	heartbeats *forwarder.HeartbeatForwarder,
	monitor *liveness.Monitor,
	engine *syncengine.Engine,
	alertQueue, heartbeatQueue workqueue.Store,
	deviceStore devicestore.Store,
) error {
	if err := sched.Register("alert-forward", cfg.Intervals.AlertForward, func(ctx context.Context) error {
		_, err := alerts.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Register("heartbeat-forward", cfg.Intervals.HeartbeatForward, func(ctx context.Context) error {
		_, err := heartbeats.Run(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Register("liveness-sweep", cfg.Intervals.LivenessSweep, func(ctx context.Context) error {
		_, err := monitor.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Register("resource-sync", cfg.Intervals.ResourceSync, engine.SyncAll); err != nil {
		return err
	}
	if err := sched.Register("status-report", cfg.Intervals.StatusReport, func(ctx context.Context) error {
		return reportStatus(ctx, alertQueue, heartbeatQueue, deviceStore)
	}); err != nil {
		return err
	}
	return sched.Register("queue-cleanup", cfg.Intervals.QueueCleanup, func(ctx context.Context) error {
		return cleanupQueues(ctx, cfg.Queues, alertQueue, heartbeatQueue)
	})
}

func reportStatus(ctx context.Context, alertQueue, heartbeatQueue workqueue.Store, devices devicestore.Store) error {
	alertDepth, err := alertQueue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("alert queue depth: %w", err)
	}
	heartbeatDepth, err := heartbeatQueue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat queue depth: %w", err)
	}
	counts, err := devices.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("device counts: %w", err)
	}

	observability.Telemetry().SetGauge(observability.MetricQueueDepth, float64(alertDepth),
		map[string]string{"queue": "alerts"})
	observability.Telemetry().SetGauge(observability.MetricQueueDepth, float64(heartbeatDepth),
		map[string]string{"queue": "heartbeats"})

	observability.Log().Info("hub status",
		observability.Field{Key: "alert_queue", Value: alertDepth},
		observability.Field{Key: "heartbeat_queue", Value: heartbeatDepth},
		observability.Field{Key: "devices_online", Value: counts[devicestore.StatusOnline]},
		observability.Field{Key: "devices_offline", Value: counts[devicestore.StatusOffline]})
	return nil
}

func cleanupQueues(ctx context.Context, cfg config.QueueConfig, alertQueue, heartbeatQueue workqueue.Store) error {
	// The size cap applies to heartbeats only; alerts are never dropped.
	dropped, err := heartbeatQueue.EnforceMaxSize(ctx, cfg.HeartbeatMaxSize)
	if err != nil {
		return fmt.Errorf("enforce heartbeat cap: %w", err)
	}
	if dropped > 0 {
		observability.Telemetry().IncCounter(observability.MetricQueueDropped, float64(dropped),
			map[string]string{"queue": "heartbeats"})
		observability.Log().Info("heartbeat queue capped",
			observability.Field{Key: "dropped", Value: dropped})
	}

	cutoff := time.Now().UTC().Add(-cfg.SentRetention)
	for name, queue := range map[string]workqueue.Store{"alerts": alertQueue, "heartbeats": heartbeatQueue} {
		purged, err := queue.PurgeSent(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge sent %s: %w", name, err)
		}
		if purged > 0 {
			observability.Log().Debug("purged delivered items",
				observability.Field{Key: "queue", Value: name},
				observability.Field{Key: "purged", Value: purged})
		}
	}
	return nil
}

func buildIngressServer(cfg config.Config, alertQueue, heartbeatQueue workqueue.Store, devices devicestore.Store, resources syncstore.ResourceStore, content syncstore.ContentStore) *http.Server {
	server := ingress.NewServer(alertQueue, heartbeatQueue, devices, resources, content, cfg.Storage.ResourceDir())
	return &http.Server{
		Addr:              cfg.Ingress.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.Ingress.ReadHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	ingress           *http.Server
	mainCancel        context.CancelFunc
	scheduler         *scheduler.Scheduler
	workerPool        *async.Pool
	lifecycle         *conc.WaitGroup
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.ingress != nil {
		shutdownStep("stopping ingress server", ingressShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.ingress.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping scheduler", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.scheduler.Stop()
			return nil
		})
	}

	if cfg.workerPool != nil {
		shutdownStep("draining worker pool", poolShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.workerPool.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
