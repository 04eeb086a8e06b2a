package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/infrastructure/logging"
	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/infrastructure/recorder"
	"github.com/ahrav/go-concord/infrastructure/retrieval"
	"github.com/ahrav/go-concord/internal/application"
	"github.com/ahrav/go-concord/internal/ports"
)

// Retry backoff used when the config sets attempts but no delay.
const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
)

// app holds everything a trial needs plus the resources to release.
type app struct {
	config       *application.Config
	logger       *zap.Logger
	gatherer     prometheus.Gatherer
	orchestrator *application.Orchestrator

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// loadConfig reads env files, then parses and validates the config.
func loadConfig(path string, envFiles []string) (*application.Config, error) {
	if err := application.LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	loader, err := application.NewConfigLoader(nil)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// revalidate checks a config after command-line overrides.
func revalidate(cfg *application.Config) error {
	loader, err := application.NewConfigLoader(nil)
	if err != nil {
		return err
	}
	return loader.Validate(cfg)
}

// bootstrap wires the pipeline from cfg. Secondary recorder sinks and the
// Redis context cache are optional: if they cannot connect the trial runs
// without them and a warning is logged.
func bootstrap(ctx context.Context, cfg *application.Config, console io.Writer) (_ *app, err error) {
	logger, err := logging.New(logging.Config{
		FilePath:   cfg.Logging.FilePath,
		Level:      cfg.Logging.Level,
		Production: cfg.Logging.Production,
		Console:    console,
	})
	if err != nil {
		return nil, err
	}
	a := &app{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tp, err := a.tracerProvider(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := middleware.NewPrometheusMetrics(reg)
	a.gatherer = reg

	registry, err := buildRegistry(cfg, metrics, tp)
	if err != nil {
		return nil, err
	}

	supplier, err := a.contextSupplier(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := a.recorder(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := application.NewOrchestrator(application.Dependencies{
		Registry:       registry,
		Context:        supplier,
		Recorder:       rec,
		Metrics:        metrics,
		Logger:         logger,
		TracerProvider: tp,
		BudgetObserver: middleware.NewOTelBudgetObserverWithProvider(metrics, tp),
	}, cfg.Ensemble)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	a.orchestrator = orch
	a.closers = append(a.closers, func(context.Context) error { return orch.Close() })

	logger.Debug("pipeline ready",
		zap.Strings("backends", registry.Names()),
		zap.Strings("recorders", rec.Sinks()),
		zap.String("assembly_mode", cfg.Ensemble.AssemblyMode),
	)
	return a, nil
}

// tracerProvider exports spans over OTLP/HTTP when an endpoint is
// configured and is a no-op otherwise.
func (a *app) tracerProvider(ctx context.Context) (trace.TracerProvider, error) {
	tc := a.config.Telemetry
	if tc.OTLPEndpoint == "" {
		return noop.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.OTLPEndpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(tc.ServiceName),
			semconv.ServiceVersionKey.String(version),
		)),
	)
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, tp.Shutdown)
	a.logger.Info("tracing enabled", zap.String("endpoint", tc.OTLPEndpoint))
	return tp, nil
}

// buildRegistry registers every configured backend behind its own
// middleware chain.
func buildRegistry(cfg *application.Config, metrics *middleware.PrometheusMetrics, tp trace.TracerProvider) (*llm.Registry, error) {
	estimator, ok := llm.EstimatorByName(cfg.Ensemble.TokenEstimator, cfg.Ensemble.TokenRatio)
	if !ok {
		return nil, fmt.Errorf("unknown token estimator %q", cfg.Ensemble.TokenEstimator)
	}
	registry, err := llm.NewRegistry(llm.RegistryConfig{
		Providers:      llm.DefaultProviders,
		DefaultTimeout: cfg.Ensemble.PerBackendTimeout,
		TokenEstimator: estimator,
		BackendMiddleware: func(backend string) []llm.Middleware {
			return backendMiddleware(cfg.Middleware, backend, metrics, tp)
		},
	})
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.BackendSpecs() {
		if err := registry.AddBackend(spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// backendMiddleware returns the chain for one backend, outermost first.
// Tracing and metrics see every attempt the retry layer makes; the rate
// limiter sits closest to the provider.
func backendMiddleware(mc application.MiddlewareConfig, backend string, metrics *middleware.PrometheusMetrics, tp trace.TracerProvider) []llm.Middleware {
	chain := []llm.Middleware{
		llm.TracingMiddlewareWithProvider(backend, tp),
		llm.MetricsMiddleware(metrics, backend),
	}
	if mc.BreakerFailures > 0 {
		chain = append(chain, llm.CircuitBreakerMiddlewareWithObserver(
			mc.BreakerFailures, mc.BreakerCooldown, metrics.CircuitBreaker(backend)))
	}
	if mc.RetryAttempts > 0 {
		base := mc.RetryBaseDelay
		if base == 0 {
			base = defaultRetryBaseDelay
		}
		chain = append(chain, llm.RetryMiddleware(mc.RetryAttempts, base, maxRetryDelay))
	}
	if mc.RateLimitRPS > 0 {
		chain = append(chain, llm.RateLimitMiddleware(rate.Limit(mc.RateLimitRPS), mc.Burst))
	}
	return chain
}

// contextSupplier returns nil when no corpus is configured.
func (a *app) contextSupplier(ctx context.Context) (ports.ContextSupplier, error) {
	rc := a.config.Retrieval
	if rc.CorpusPath == "" {
		return nil, nil
	}

	opts := []retrieval.CorpusOption{
		retrieval.WithTopK(rc.TopK),
		retrieval.WithLogger(a.logger),
	}
	if rc.Watch {
		opts = append(opts, retrieval.WithWatch(0))
	}
	corpus, err := retrieval.NewCorpusSupplier(rc.CorpusPath, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return corpus.Close() })

	var store ports.CacheStore = retrieval.NewMemoryCache(rc.CacheTTL)
	if rc.RedisURL != "" {
		if rdb, ok := a.connectRedis(ctx, rc.RedisURL, "context cache"); ok {
			store = retrieval.NewRedisCache(rdb, "", rc.CacheTTL)
			a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		}
	}
	return retrieval.NewCachingSupplier(corpus, store, rc.CacheTTL, a.logger), nil
}

// recorder builds the JSONL sink plus every reachable optional sink.
func (a *app) recorder(ctx context.Context) (*recorder.MultiRecorder, error) {
	rc := a.config.Recorder
	sinks := []recorder.Sink{{
		Name: recorder.SinkJSONL,
		Recorder: recorder.NewJSONLRecorder(recorder.JSONLConfig{
			Path:       rc.JSONLPath,
			MaxSizeMB:  rc.MaxSizeMB,
			MaxBackups: rc.MaxBackups,
		}),
	}}

	if rc.NATSURL != "" {
		nr, err := recorder.NewNATSRecorder(recorder.NATSConfig{
			URL:     rc.NATSURL,
			Stream:  rc.NATSStream,
			Subject: rc.NATSSubject,
		}, a.logger)
		if err != nil {
			a.logger.Warn("nats recorder disabled", zap.Error(err))
		} else {
			sinks = append(sinks, recorder.Sink{Name: recorder.SinkNATS, Recorder: nr})
		}
	}

	if rc.RedisURL != "" {
		if rdb, ok := a.connectRedis(ctx, rc.RedisURL, "recorder"); ok {
			sinks = append(sinks, recorder.Sink{
				Name:     recorder.SinkRedis,
				Recorder: recorder.NewRedisRecorder(rdb, rc.RedisStream, 0),
			})
		}
	}

	if rc.PostgresDSN != "" {
		pr, err := recorder.NewPostgresRecorder(rc.PostgresDSN)
		if err != nil {
			a.logger.Warn("postgres recorder disabled", zap.Error(err))
		} else {
			sinks = append(sinks, recorder.Sink{Name: recorder.SinkPostgres, Recorder: pr})
		}
	}

	return recorder.NewMultiRecorder(sinks...), nil
}

const redisPingTimeout = 3 * time.Second

func (a *app) connectRedis(ctx context.Context, url, purpose string) (*redis.Client, bool) {
	rdb, err := retrieval.NewRedisClient(url)
	if err != nil {
		a.logger.Warn("redis disabled", zap.String("purpose", purpose), zap.Error(err))
		return nil, false
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("redis unreachable", zap.String("purpose", purpose), zap.Error(err))
		_ = rdb.Close()
		return nil, false
	}
	return rdb, true
}

// dumpMetrics writes the registry in Prometheus text format.
func (a *app) dumpMetrics(w io.Writer) error {
	families, err := a.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order and flushes the logger.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range slices.Backward(a.closers) {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
