// Command offlinecache runs the offline-first caching proxy in front of one
// origin site, together with its admin API.
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
	"syscall"
	"time"

	"cache-intercept/pkg/api"
	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/cache/bloom"
	"cache-intercept/pkg/cache/leveldb"
	"cache-intercept/pkg/cache/memory"
	"cache-intercept/pkg/cache/redis"
	"cache-intercept/pkg/classify"
	"cache-intercept/pkg/config"
	"cache-intercept/pkg/connectivity"
	"cache-intercept/pkg/fetch"
	"cache-intercept/pkg/generation"
	"cache-intercept/pkg/intercept"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"
	promcollector "cache-intercept/pkg/metrics/prometheus"
	"cache-intercept/pkg/queue"
	"cache-intercept/pkg/queue/postgres"
	"cache-intercept/pkg/resilience"
	"cache-intercept/pkg/strategy"
	"cache-intercept/pkg/writer"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default: $"+config.EnvPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.ApplyEnv(cfg.Log))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("offlinecache stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	logger.Info("Starting offlinecache",
		zap.String("origin", cfg.Origin),
		zap.String("version", cfg.Version),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend))

	// Metrics: counters always, Prometheus when enabled.
	counters := metrics.NewCounters()
	collector := metrics.Multi{counters}
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Prometheus {
		prom := promcollector.NewPrometheusCollector(cfg.Metrics.Namespace)
		if err := prom.Register(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = append(collector, prom)
	}

	store, err := openStore(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer store.Close()

	fetcher := fetch.NewClient(fetch.ClientConfig{
		Timeout:      cfg.Fetch.Timeout.Std(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		UserAgent:    cfg.Fetch.UserAgent,
	})

	refresher := writer.NewAsyncWriterWithMetrics(store, writer.AsyncWriterConfig{
		Name:       "refresher",
		Workers:    cfg.Refresher.Workers,
		QueueSize:  cfg.Refresher.QueueSize,
		JobTimeout: cfg.Refresher.JobTimeout.Std(),
	}, collector)
	defer refresher.Close()

	engine := strategy.NewEngine(store, fetcher, refresher, strategy.EngineConfig{Metrics: collector})
	defer engine.Wait()

	classifier, err := classify.New(cfg.ClassifierConfig())
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	generations, err := generation.NewManagerWithMetrics(store, fetcher, cfg.GenerationConfig(), collector)
	if err != nil {
		return fmt.Errorf("generations: %w", err)
	}

	deferred, err := openQueue(cfg, collector)
	if err != nil {
		return err
	}
	defer deferred.Close()

	monitor := connectivity.New(cfg.MonitorConfig())
	defer monitor.Close()
	monitor.OnRestored(func(ctx context.Context) {
		result, err := deferred.DrainOnReconnect(ctx)
		if err != nil {
			logger.Warn("Drain on reconnect incomplete", zap.Int("replayed", result.Replayed), zap.Int("remaining", result.Remaining), zap.Error(err))
			return
		}
		if result.Replayed > 0 {
			logger.Info("Replayed deferred actions", zap.Int("replayed", result.Replayed))
		}
	})

	interceptor, err := intercept.New(intercept.Components{
		Engine:      engine,
		Classifier:  classifier,
		Generations: generations,
		Store:       store,
		Fetcher:     fetcher,
		Queue:       deferred,
		Monitor:     monitor,
		Metrics:     collector,
	}, cfg.InterceptorConfig())
	if err != nil {
		return fmt.Errorf("interceptor: %w", err)
	}

	admin, err := api.NewServer(api.Deps{
		Counters:    counters,
		Generations: generations,
		Interceptor: interceptor,
		Queue:       deferred,
		Monitor:     monitor,
		Refresher:   refresher,
		Store:       store,
		Gatherer:    registry,
		Registerer:  registry,
	}, api.ServerConfig{
		Address:      cfg.Admin.Address,
		ReadTimeout:  cfg.Admin.ReadTimeout.Std(),
		WriteTimeout: cfg.Admin.WriteTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	if err := admin.Start(); err != nil {
		return fmt.Errorf("admin api: %w", err)
	}
	logger.Info("Admin API listening", zap.String("address", cfg.Admin.Address))

	proxy := &http.Server{
		Addr:              cfg.Listen,
		Handler:           interceptor,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Proxy listening", zap.String("address", cfg.Listen))
		if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Requests pass through untouched until install and activation complete.
	go func() {
		if err := installAndActivate(ctx, cfg, generations, interceptor, logger); err != nil {
			if ctx.Err() == nil {
				logger.Error("Lifecycle aborted, proxy stays in pass-through mode", zap.Error(err))
			}
			return
		}
		generations.RunTrimmer(ctx, cfg.Generations.TrimEvery.Std())
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Error("Proxy shutdown error", zap.Error(err))
	}
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("Admin API shutdown error", zap.Error(err))
	}
	return runErr
}

// installAndActivate installs the current generations, retrying while the
// origin is unreachable, and then activates interception.
func installAndActivate(ctx context.Context, cfg config.Config, generations *generation.Manager, interceptor *intercept.Interceptor, logger *logging.Logger) error {
	manifest := cfg.InstallManifest()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute

	report, err := backoff.Retry(ctx, func() (generation.InstallReport, error) {
		return generations.Install(ctx, manifest)
	}, backoff.WithBackOff(b), backoff.WithNotify(func(err error, next time.Duration) {
		logger.Warn("Install failed, retrying", zap.Error(err), zap.Duration("next", next))
	}))
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	logger.Info("Installed generations",
		zap.Strings("generations", generations.Names()),
		zap.Int("cached", len(report.Cached)),
		zap.Strings("failed", report.Failed))

	if _, err := interceptor.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, collector metrics.Collector) (cache.Store, error) {
	sc := cfg.Store

	var store cache.Store
	switch sc.Backend {
	case "memory":
		store = memory.NewMemoryStore(memory.MemoryStoreConfig{})
	case "leveldb":
		s, err := leveldb.NewLevelDBStore(leveldb.LevelDBStoreConfig{Path: sc.LevelDB.Path})
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		store = s
	case "redis":
		rc := redis.DefaultRedisStoreConfig()
		rc.Addr = sc.Redis.Addr
		rc.ClusterAddrs = sc.Redis.Cluster
		rc.Username = sc.Redis.Username
		rc.Password = sc.Redis.Password
		rc.DB = sc.Redis.DB
		rc.KeyPrefix = sc.Redis.KeyPrefix
		s, err := redis.NewRedisStore(rc)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("store: unknown backend %q", sc.Backend)
	}

	if sc.Resilience.Enabled {
		rcfg := resilience.DefaultResilientConfig().WithTimeout(sc.Resilience.Timeout.Std())
		rcfg.CircuitBreakerConfig.MaxRequests = sc.Resilience.MaxRequests
		rcfg.CircuitBreakerConfig.Interval = sc.Resilience.Interval.Std()
		rcfg.CircuitBreakerConfig.Timeout = sc.Resilience.OpenTimeout.Std()
		store = resilience.NewResilientStoreWithMetrics(store, rcfg, collector)
	}

	if sc.Bloom.Enabled {
		bs := bloom.NewBloomStore(store, sc.Bloom.ExpectedItems, sc.Bloom.FalsePositiveRate)
		if err := bs.Warm(ctx); err != nil {
			bs.Close()
			return nil, fmt.Errorf("store: warm bloom filter: %w", err)
		}
		store = bs
	}
	return store, nil
}

func openQueue(cfg config.Config, collector metrics.Collector) (*queue.Queue, error) {
	qc := cfg.Queue

	var actions queue.Log
	switch qc.Backend {
	case "memory":
		actions = queue.NewMemoryLog()
	case "leveldb":
		l, err := queue.NewLevelDBLog(qc.Path)
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		actions = l
	case "postgres":
		l, err := postgres.Open(qc.Postgres)
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		actions = l
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", qc.Backend)
	}

	transport, err := queue.NewHTTPTransport(qc.Routes, qc.Timeout.Std())
	if err != nil {
		actions.Close()
		return nil, err
	}
	return queue.NewWithMetrics(actions, transport, cfg.QueueRuntimeConfig(), collector), nil
}
