package tannoy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tannoyproject/tannoy/internal/common/health"
	"github.com/tannoyproject/tannoy/internal/common/requestid"
	"github.com/tannoyproject/tannoy/internal/common/task"
	"github.com/tannoyproject/tannoy/internal/tannoy/bus"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
	"github.com/tannoyproject/tannoy/internal/tannoy/metrics"
	"github.com/tannoyproject/tannoy/internal/tannoy/ratelimit"
	"github.com/tannoyproject/tannoy/internal/tannoy/repository"
	"github.com/tannoyproject/tannoy/internal/tannoy/server"
	"github.com/tannoyproject/tannoy/internal/tannoy/workerpool"
)

// Version is reported by GET /api/info and overridden at build time via -ldflags.
var Version = "dev"

func Serve(ctx context.Context, config *configuration.TannoyConfig, healthChecks *health.MultiChecker) error {
	log.Info("Tannoy server starting")
	defer log.Info("Tannoy server shutting down")

	err := validateTannoyConfig(config)
	if err != nil {
		return err
	}

	// We call startupCompleteCheck.MarkComplete() when all services have been started.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	// Run all services within an errgroup to propagate errors between services.
	// Defer cancelling the parent context to ensure the errgroup is cancelled on return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	// Processed webhook delivery ids go to Redis when configured and to a local
	// sqlite file otherwise. Redis expires keys itself; the sqlite backend needs
	// a periodic sweep.
	var recordStore repository.RecordStore
	switch config.Records.Backend {
	case "redis":
		db := redis.NewUniversalClient(&config.Redis)
		defer func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Error("failed to close Redis client")
			}
		}()
		healthChecks.Add(repository.NewRedisHealth(db))
		recordStore = repository.NewRedisRecordStore(db, config.Records.Retention, config.Records.CompressionThreshold.Int())
	case "sqlite":
		store, err := repository.NewSqliteRecordStore(config.Records.DatabasePath, config.Records.CacheSize)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Error("failed to close record store")
			}
		}()
		repository.PeriodicCleanup(ctx, store, config.Records.CleanupInterval, config.Records.Retention)
		recordStore = store
	default:
		return errors.Errorf("unknown record store backend %q", config.Records.Backend)
	}

	eventBus, err := bus.NewEventBus(config.Bus.RingCapacity)
	if err != nil {
		return err
	}

	limiters := map[string]*ratelimit.KeyedLimiter{}
	for name, policy := range config.RateLimit.Policies {
		limiters[name] = ratelimit.New(name, ratelimit.Policy{Rate: policy.Rate, Burst: policy.Burst}, config.RateLimit.IdleTTL)
	}

	jobDb, err := workerpool.NewJobDb()
	if err != nil {
		return err
	}
	pool, err := workerpool.NewPool(config.Pool.Slots, config.Pool.MaxQueue, jobDb)
	if err != nil {
		return err
	}
	defer pool.Stop()

	stream, err := server.NewSseTransport(eventBus, config.Stream)
	if err != nil {
		return err
	}
	hub, err := server.NewWsHub(eventBus, config.Ws)
	if err != nil {
		return err
	}
	defer hub.Close()
	poll, err := server.NewPollEndpoint(eventBus, config.Poll)
	if err != nil {
		return err
	}
	webhooks := server.NewWebhookIngest(eventBus, recordStore, config.Webhooks)

	// Allows for registering functions to be run periodically in the background.
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(time.Second * 2)
	taskManager.Register(stream.Heartbeat, config.Stream.HeartbeatInterval, "stream_heartbeat")
	taskManager.Register(stream.Guard, config.Stream.GuardInterval, "stream_guard")
	taskManager.Register(hub.Ping, config.Ws.PingInterval, "ws_ping")
	for _, limiter := range limiters {
		taskManager.Register(limiter.Prune, config.RateLimit.PruneInterval, "ratelimit_prune_"+limiter.Name())
	}
	taskManager.Register(func() {
		if _, err := pool.PurgeFinished(config.Pool.RetainFor); err != nil {
			log.WithError(err).Warn("failed to purge finished jobs")
		}
	}, config.Pool.PurgeInterval, "pool_purge")

	limiterStats := make([]metrics.LimiterStats, 0, len(limiters))
	for _, limiter := range limiters {
		limiterStats = append(limiterStats, limiter)
	}
	metrics.ExposeDataMetrics(eventBus, stream, hub, pool, webhooks, limiterStats)

	endpoints := &server.Endpoints{
		Stream:    stream,
		Hub:       hub,
		Poll:      poll,
		Webhooks:  webhooks,
		Jobs:      server.NewJobsEndpoint(pool),
		Limiters:  limiters,
		Version:   Version,
		StartedAt: time.Now().UTC(),
		LatestSeq: eventBus.LatestSeq,
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HttpPort),
		Handler: requestid.Middleware(false)(endpoints.Mux()),
	}

	// Shut down the HTTP server if the context is cancelled. Streaming handlers
	// hold their connections open past the graceful drain, so anything still
	// alive after the grace period is force-closed.
	services = append(services, func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	})

	log.Infof("Tannoy HTTP server listening on %d", config.HttpPort)
	services = append(services, func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WithStack(err)
		}
		return nil
	})

	// Start all services and wait for the context to be cancelled,
	// which happens if the parent context is cancelled or if any of the services returns an error.
	// We start all services at the end of the function to ensure all services are ready.
	for _, service := range services {
		g.Go(service)
	}

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func validateTannoyConfig(config *configuration.TannoyConfig) error {
	var result *multierror.Error
	if config.HttpPort == 0 {
		result = multierror.Append(result, fmt.Errorf("httpPort must be configured"))
	}
	if len(config.RateLimit.Policies) > 0 && config.RateLimit.PruneInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("rate limit prune interval should be greater than 0: is %s", config.RateLimit.PruneInterval))
	}
	for name, policy := range config.RateLimit.Policies {
		if policy.Rate <= 0 || policy.Burst <= 0 {
			result = multierror.Append(result, fmt.Errorf("rate limit policy %q needs a positive rate and burst", name))
		}
	}
	if config.Webhooks.Secrets != nil {
		for source, secret := range config.Webhooks.Secrets {
			if secret == "" {
				result = multierror.Append(result, fmt.Errorf("webhook source %q has an empty secret", source))
			}
		}
	}
	return errors.WithStack(result.ErrorOrNil())
}
