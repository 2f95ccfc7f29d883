package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"sync"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/api"
	"github.com/ethpandaops/cds/pkg/api/handlers"
	"github.com/ethpandaops/cds/pkg/election"
	"github.com/ethpandaops/cds/pkg/flowcache"
	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/overrides"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/redis"
	"github.com/ethpandaops/cds/pkg/scheduler"
	"github.com/ethpandaops/cds/pkg/tasks"
	"github.com/ethpandaops/cds/pkg/tracking"
	"github.com/ethpandaops/cds/pkg/watcher"
)

// Service encapsulates the engine
type Service struct {
	config *Config
	log    logrus.FieldLogger

	redisOptions *goredis.Options
	redisClient  *goredis.Client
	asynqClient  *asynq.Client

	store      *tracking.RedisStore
	controller *admission.Controller
	scheduler  scheduler.Service
	jobs       *queue.JobQueue
	reruns     *queue.RerunQueue
	watcher    *watcher.Watcher
	cache      *flowcache.Cache

	transport  *tasks.Server
	elector    election.LeaderElector
	subscriber *overrides.Subscriber
	api        api.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server

	// queue recovery runs once per process, not once per leadership term
	recoveryMu sync.Mutex
	recovered  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds every component of the engine. Nothing connects until Start.
func NewService(log logrus.FieldLogger, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	redisOptions, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}

	controller, err := admission.NewController(log, cfg.Admission)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission controller: %w", err)
	}

	cache, err := flowcache.Open(log, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open definition cache: %w", err)
	}

	prefix := cfg.Redis.Prefix
	redisClient := goredis.NewClient(redisOptions)
	asynqOptions := redis.NewAsynqRedisOptions(redisOptions)
	asynqClient := asynq.NewClient(*asynqOptions)
	transportConfig := cfg.Transport.WithPrefix(prefix)

	client := tasks.NewClient(log, asynqClient, transportConfig)
	store := tracking.NewRedisStore(log, redisClient, prefix)
	schedulerService := scheduler.NewService(log, store, controller, client)
	jobs := queue.NewJobQueue(log, redisClient, prefix)
	reruns := queue.NewRerunQueue(log, redisClient, prefix)
	jobWatcher := watcher.New(log, jobs, reruns, client, client)

	handler := tasks.NewHandler(log, schedulerService, jobWatcher, cache)

	apiService := api.NewService(&cfg.API, handlers.Deps{
		Scheduler:   schedulerService,
		Entries:     store,
		Admission:   controller,
		Overrides:   overrides.NewPublisher(log, redisClient, prefix),
		Jobs:        jobs,
		Reruns:      reruns,
		Definitions: cache,
	}, log)

	return &Service{
		config: cfg,
		log:    log.WithField("service", "engine"),

		redisOptions: redisOptions,
		redisClient:  redisClient,
		asynqClient:  asynqClient,

		store:      store,
		controller: controller,
		scheduler:  schedulerService,
		jobs:       jobs,
		reruns:     reruns,
		watcher:    jobWatcher,
		cache:      cache,

		transport:  tasks.NewServer(log, *asynqOptions, transportConfig, handler),
		elector:    election.NewLeaderElector(log, redisClient, prefix, cfg.Election),
		subscriber: overrides.NewSubscriber(log, redisClient, prefix, controller),
		api:        apiService,

		done: make(chan struct{}),
	}, nil
}

// Start connects to Redis and starts every component. Completion events are
// handled on every instance; periodic work only runs on the elected leader.
func (a *Service) Start(ctx context.Context) error {
	a.log.Info("Starting CDS engine...")

	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", a.redisOptions.Addr, err)
	}

	observability.StartMetricsServer(a.log, a.config.MetricsAddr)

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	if err := a.subscriber.Start(ctx); err != nil {
		return fmt.Errorf("failed to start override subscriber: %w", err)
	}

	if err := a.transport.Start(); err != nil {
		return fmt.Errorf("failed to start event server: %w", err)
	}

	if err := a.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	a.wg.Add(1)

	go a.handleLeadership(ctx)

	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}

	a.log.Info("CDS engine started successfully")

	return nil
}

// Stop gracefully shuts down the engine
func (a *Service) Stop() error {
	a.log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			a.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// 1. Stop periodic work so no new chunks are submitted
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()

	// 2. Give up leadership for another instance
	stopService("leader election", a.elector.Stop)

	// 3. Finish in-flight completion events
	a.transport.Stop()

	stopService("override subscriber", a.subscriber.Stop)
	stopService("API service", a.api.Stop)
	stopService("asynq client", a.asynqClient.Close)

	// 4. Close Redis (now safe, nothing is using it)
	stopService("Redis client", a.redisClient.Close)
	stopService("definition cache", a.cache.Close)

	if a.healthServer != nil {
		stopService("health check server", func() error { return a.healthServer.Shutdown(ctx) })
	}

	if a.pprofServer != nil {
		stopService("pprof server", func() error { return a.pprofServer.Shutdown(ctx) })
	}

	stopService("metrics server", observability.StopMetricsServer)

	return nil
}

func (a *Service) startHealthCheck() {
	a.log.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.redisClient.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Service) startPProf() {
	a.log.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
