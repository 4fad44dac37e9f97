package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/mediaq/pkg/config"
	"github.com/guido-cesarano/mediaq/pkg/coordinator"
	"github.com/guido-cesarano/mediaq/pkg/logger"
	"github.com/guido-cesarano/mediaq/pkg/queue"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/store"
)

// app is the wired set of components behind the server.
type app struct {
	rdb     *redis.Client
	store   *store.Store
	limiter *ratelimit.RateLimiter
	manager *queue.Manager[Download]
	api     *api
}

// newApp builds every component from cfg without starting anything.
func newApp(cfg config.Configuration, rdb *redis.Client, fetch fetchFunc) (*app, error) {
	st := store.New(rdb, cfg.Redis)

	var opts []ratelimit.Option
	if cfg.RateLimit.Shared {
		opts = append(opts, ratelimit.WithSharedWindow(ratelimit.NewRedisWindow(rdb)))
	}
	rl := ratelimit.New(cfg.RateLimit.Config, opts...)
	for _, id := range cfg.RateLimit.Accounts {
		rl.AddAccount(staticAccount(id))
	}

	coord, err := coordinator.New(cfg.Coordinator)
	if err != nil {
		return nil, errors.Wrap(err, "creating coordinator")
	}
	m, err := queue.New(cfg.Queue, downloadHandler(rl, st, fetch),
		queue.WithCoordinator(coord),
		queue.WithStore(st),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating queue manager")
	}
	m.AddBackpressureCallback(func(ev queue.BackpressureEvent) {
		if ev.High {
			logger.Log.Warn().Int("depth", ev.Depth).Int("capacity", ev.Capacity).Msg("Queue under backpressure, producers should slow down")
		}
	})
	coord.AddFailureCallback(func(workerID, reason string) {
		logger.Log.Error().Str("worker_id", workerID).Str("reason", reason).Msg("Worker marked unhealthy")
	})

	for _, s := range cfg.Schedules {
		d := Download{URL: s.URL, Category: s.Category}
		if _, err := m.Schedule(s.Spec, d, s.Priority); err != nil {
			return nil, errors.Wrapf(err, "scheduling %s", s.URL)
		}
	}

	return &app{
		rdb:     rdb,
		store:   st,
		limiter: rl,
		manager: m,
		api:     &api{manager: m, limiter: rl, store: st, defaultPriority: cfg.HTTP.DefaultPriority},
	}, nil
}

// run starts the server and blocks until SIGINT/SIGTERM or a component fails.
func run(ctx context.Context, cfg config.Configuration) error {
	if err := logger.Configure(cfg.Logging); err != nil {
		return errors.Wrap(err, "configuring logger")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := store.NewClient(cfg.Redis)
	a, err := newApp(cfg, rdb, simulatedFetch)
	if err != nil {
		return err
	}
	if err := a.store.Ping(ctx); err != nil {
		logger.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, task records will not be persisted")
	}

	if cfg.HTTP.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           setupRouter(a.api, cfg.HTTP.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	a.limiter.Start(gctx)
	if err := a.manager.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		logger.Log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info().Msg("Shutting down")
		return a.shutdown(srv, cfg.HTTP.ShutdownTimeout)
	})
	return g.Wait()
}

// shutdown stops intake first, then the workers, then the request queues.
func (a *app) shutdown(srv *http.Server, timeout time.Duration) error {
	var result *multierror.Error

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "http server"))
	}
	if a.manager.Stop(timeout) {
		result = multierror.Append(result, errors.New("queue workers did not stop in time"))
	}
	if a.limiter.Stop(timeout) {
		result = multierror.Append(result, errors.New("rate limiter request queues did not stop in time"))
	}
	if err := a.rdb.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing redis"))
	}
	return result.ErrorOrNil()
}
