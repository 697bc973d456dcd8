package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swapexec/params"
	"github.com/uhyunpark/swapexec/pkg/api"
	"github.com/uhyunpark/swapexec/pkg/engine"
	"github.com/uhyunpark/swapexec/pkg/metrics"
	"github.com/uhyunpark/swapexec/pkg/notify"
	"github.com/uhyunpark/swapexec/pkg/queue"
	"github.com/uhyunpark/swapexec/pkg/router"
	"github.com/uhyunpark/swapexec/pkg/storage"
	"github.com/uhyunpark/swapexec/pkg/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("executor_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profiling.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "swapexec.executor",
			ServerAddress:   cfg.Profiling.PyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
		sugar.Infow("profiling_enabled", "server", cfg.Profiling.PyroscopeAddr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ---- Redis (bus and/or job journal) ----
	var rdb *redis.Client
	if cfg.Bus.Backend == "redis" || cfg.Queue.Journal == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Bus.RedisAddr, err)
		}
		sugar.Infow("redis_connected", "addr", cfg.Bus.RedisAddr)
	}

	// ---- Storage ----
	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	sugar.Infow("store_opened", "backend", cfg.Store.Backend)

	var bus notify.Bus
	switch cfg.Bus.Backend {
	case "redis":
		rb := notify.NewRedisBus(rdb)
		rb.Logger = sugar
		bus = rb
	case "local", "":
		lb := notify.NewLocalBus()
		lb.Logger = sugar
		bus = lb
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	defer bus.Close()

	journal, err := openJournal(cfg.Queue, rdb)
	if err != nil {
		return fmt.Errorf("open job journal: %w", err)
	}
	defer journal.Close()

	var events storage.EventLog = storage.NopEventLog{}
	if cfg.Log.EventsFile != "" {
		fl, err := storage.NewFileEventLog(cfg.Log.EventsFile)
		if err != nil {
			sugar.Warnw("event_log_disabled", "path", cfg.Log.EventsFile, "err", err)
		} else {
			defer fl.Close()
			events = fl
			sugar.Infow("event_log_opened", "path", cfg.Log.EventsFile)
		}
	}

	// ---- Router ----
	policy, err := router.ParsePolicy(cfg.Router.QuotePolicy)
	if err != nil {
		return err
	}
	seed := uint64(time.Now().UnixNano())
	rt := router.New(
		router.NewSimulatedProvider(router.RaydiumConfig(cfg.Router.BasePrice, cfg.Router.SlippageProb), util.SystemClock(), seed),
		router.NewSimulatedProvider(router.MeteoraConfig(cfg.Router.BasePrice, cfg.Router.SlippageProb), util.SystemClock(), seed+1),
	)
	rt.Policy = policy
	rt.QuoteTimeout = cfg.Router.QuoteTimeout
	rt.ExecuteTimeout = cfg.Router.ExecuteTimeout
	rt.Logger = sugar
	rt.Metrics = m

	// ---- Pipeline ----
	exec := engine.NewExecutor(store, rt, bus)
	exec.Events = events
	exec.Logger = sugar
	exec.Metrics = m

	defaults := queue.Options{
		Attempts: cfg.Queue.Attempts,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: cfg.Queue.BackoffBase},
	}
	q := queue.New(queue.Config{
		Name:           cfg.Queue.Name,
		Concurrency:    cfg.Queue.Concurrency,
		RateMax:        cfg.Queue.RateMax,
		RateWindow:     cfg.Queue.RateWindow,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		BackoffMax:     cfg.Queue.BackoffMax,
		Defaults:       defaults,
	}, journal, exec.Handle)
	q.Logger = sugar
	q.Metrics = m
	exec.Attach(q)

	intake := engine.NewIntake(store, q)
	intake.Options = defaults
	intake.Logger = sugar

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	// ---- API Server ----
	srv := api.NewServer(intake, store, bus, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         sugar,
		Metrics:        m,
		Gatherer:       reg,
		QueueName:      cfg.Queue.Name,
	})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("api_server_failed", "err", err)
			return err
		}
		return nil
	})

	sugar.Infow("executor_started",
		"addr", cfg.Server.Addr,
		"providers", rt.Providers(),
		"quote_policy", policy.String(),
		"concurrency", cfg.Queue.Concurrency,
		"attempts", cfg.Queue.Attempts,
		"journal", cfg.Queue.Journal,
		"bus", cfg.Bus.Backend,
	)

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			sugar.Info("shutdown_requested")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("api_shutdown_error", "err", err)
		}
		if err := q.Stop(shutdownCtx); err != nil {
			sugar.Warnw("queue_drain_incomplete", "err", err)
		}
		return nil
	})

	runErr := g.Wait()
	st := q.Stats()
	sugar.Infow("executor_stopped", "completed", st.Completed, "failed", st.Failed, "waiting", st.Waiting)
	return runErr
}

func openStore(cfg params.Store) (storage.Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return storage.NewMemoryStore(), nil
	case "pebble":
		return storage.NewPebbleStore(cfg.PebblePath)
	case "postgres":
		return storage.NewPostgresStore(storage.PostgresOption{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Database: cfg.PostgresDB,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openJournal(cfg params.Queue, rdb *redis.Client) (queue.Journal, error) {
	switch cfg.Journal {
	case "memory", "":
		return queue.NewMemoryJournal(), nil
	case "pebble":
		return queue.NewPebbleJournal(cfg.PebblePath)
	case "redis":
		return queue.NewRedisJournal(rdb, cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown journal %q", cfg.Journal)
	}
}
