package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/auth"
	"github.com/relaymux/relay/internal/cache"
	"github.com/relaymux/relay/internal/circuitbreaker"
	"github.com/relaymux/relay/internal/config"
	"github.com/relaymux/relay/internal/contentfilter"
	"github.com/relaymux/relay/internal/fallback"
	"github.com/relaymux/relay/internal/health"
	"github.com/relaymux/relay/internal/metrics"
	"github.com/relaymux/relay/internal/pipeline"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/provider/anthropic"
	"github.com/relaymux/relay/internal/provider/cohere"
	"github.com/relaymux/relay/internal/provider/huggingface"
	"github.com/relaymux/relay/internal/provider/openai"
	"github.com/relaymux/relay/internal/ratelimit"
	"github.com/relaymux/relay/internal/router"
	"github.com/relaymux/relay/internal/server"
	"github.com/relaymux/relay/internal/storage"
	"github.com/relaymux/relay/internal/storage/memory"
	"github.com/relaymux/relay/internal/storage/sqlite"
	"github.com/relaymux/relay/internal/telemetry"
	"github.com/relaymux/relay/internal/tokencount"
	"github.com/relaymux/relay/internal/worker"
)

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Shared DNS cache for all upstream transports.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	counter := tokencount.NewCounter()
	providers := buildProviders(cfg, counter, resolver)
	if len(providers) == 0 {
		return errors.New("no providers configured")
	}

	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
		slog.Info("provider registered", "name", p.Name(), "models", len(p.Models()))
	}
	reg.SetAliases(cfg.Aliases)

	sink := metrics.NewSink()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	monitor := health.NewMonitor(providers, store, health.Config{
		Interval:   cfg.Monitoring.Interval(),
		AlertAfter: cfg.Monitoring.ConsecutiveFailuresBeforeAlert,
	})

	usageRec := worker.NewUsageRecorder(store)
	decisionRec := worker.NewDecisionRecorder(store)
	logRec := worker.NewRequestLogRecorder(store)

	rtr := router.New(reg, sink, monitor, breakers, store, decisionRec, cfg.Routing)

	fb := fallback.New(
		cfg.Fallbacks.Enabled,
		cfg.Fallbacks.MaxFallbackAttempts,
		fallbackRules(cfg.Fallbacks.Rules),
		availability(reg, monitor, breakers),
	)

	var respCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		mem, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		respCache = cache.NewResponseCache(mem, cfg.Cache.TTL)
	}

	filter, err := contentfilter.New(cfg.ContentFilter.Enabled, cfg.ContentFilter.BlockedPatterns)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	var metricsCollectors *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metricsCollectors = telemetry.NewMetrics(promReg)
	}

	pipe := pipeline.New(pipeline.Config{
		Registry:     reg,
		Router:       rtr,
		Fallback:     fb,
		Breakers:     breakers,
		Cache:        respCache,
		Filter:       filter,
		Counter:      counter,
		Sink:         sink,
		Usage:        usageRec,
		Decisions:    decisionRec,
		Telemetry:    metricsCollectors,
		SmartRouting: cfg.Routing.EnableSmartRouting,
	})

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	limiters := ratelimit.NewRegistry()
	go evictStale(ctx, limiters, breakers)
	if metricsCollectors != nil {
		go pollUsageQueue(ctx, metricsCollectors, usageRec)
	}

	handler := server.New(server.Deps{
		Auth:       auth.NewStatic(credentials(cfg.Credentials)),
		Pipeline:   pipe,
		Registry:   reg,
		Health:     monitor,
		ReadyCheck: store.Ping,
		Limiter:    limiters,
		Limits: ratelimit.Limits{
			TokenLimit:      cfg.RateLimiting.TokenLimit,
			TokensPerPeriod: cfg.RateLimiting.TokensPerPeriod,
			PeriodSeconds:   cfg.RateLimiting.ReplenishmentPeriodSeconds,
			QueueLimit:      cfg.RateLimiting.QueueLimit,
		},
		Metrics:    metricsCollectors,
		Registerer: promReg,
		Logs:       logRec,
	})

	workers := []worker.Worker{
		usageRec,
		decisionRec,
		logRec,
		worker.NewRetentionSweeper(store, cfg.TokenUsage.Retention()),
		worker.NewMetricsCheckpointer(sink, store),
	}
	if cfg.Monitoring.AutoStartMonitoring {
		workers = append(workers, monitor)
	}
	runner := worker.NewRunner(workers...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("relay ready", "addr", cfg.Server.Addr)
	err = g.Wait()
	slog.Info("relay stopped")
	return err
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.TokenUsage.StorageProvider == "memory" {
		slog.Info("using in-memory storage")
		return memory.New(), nil
	}
	return sqlite.New(cfg.Database.DSN)
}

// buildProviders constructs an adapter for every vendor with credentials
// configured, each with its own unary and streaming HTTP clients.
func buildProviders(cfg *config.Config, counter *tokencount.Counter, resolver *dnscache.Resolver) []gateway.Provider {
	var out []gateway.Provider

	if e := cfg.Providers.OpenAI; e.Enabled() {
		out = append(out, openai.New(openai.Config{
			APIKey:         e.APIKey,
			BaseURL:        e.APIURL,
			OrganizationID: e.OrganizationID,
			Client:         provider.NewHTTPClient(resolver, e.Timeout(), e.MaxConns),
			StreamClient:   provider.NewHTTPClient(resolver, e.StreamTimeout(), e.MaxConns),
			Models:         modelsFor(cfg.ModelMappings, "openai"),
			Counter:        counter,
		}))
	}
	if e := cfg.Providers.Anthropic; e.Enabled() {
		out = append(out, anthropic.New(anthropic.Config{
			APIKey:       e.APIKey,
			BaseURL:      e.APIURL,
			APIVersion:   e.APIVersion,
			Client:       provider.NewHTTPClient(resolver, e.Timeout(), e.MaxConns),
			StreamClient: provider.NewHTTPClient(resolver, e.StreamTimeout(), e.MaxConns),
			Models:       modelsFor(cfg.ModelMappings, "anthropic"),
			Counter:      counter,
		}))
	}
	if e := cfg.Providers.Cohere; e.Enabled() {
		out = append(out, cohere.New(cohere.Config{
			APIKey:       e.APIKey,
			BaseURL:      e.APIURL,
			Client:       provider.NewHTTPClient(resolver, e.Timeout(), e.MaxConns),
			StreamClient: provider.NewHTTPClient(resolver, e.StreamTimeout(), e.MaxConns),
			Models:       modelsFor(cfg.ModelMappings, "cohere"),
			Counter:      counter,
		}))
	}
	if e := cfg.Providers.HuggingFace; e.Enabled() {
		out = append(out, huggingface.New(huggingface.Config{
			APIKey:       e.APIKey,
			BaseURL:      e.APIURL,
			Client:       provider.NewHTTPClient(resolver, e.Timeout(), e.MaxConns),
			StreamClient: provider.NewHTTPClient(resolver, e.StreamTimeout(), e.MaxConns),
			Models:       modelsFor(cfg.ModelMappings, "huggingface"),
			Counter:      counter,
		}))
	}
	return out
}

func modelsFor(mappings []config.ModelMapping, providerName string) []gateway.ModelDescriptor {
	var out []gateway.ModelDescriptor
	for _, m := range mappings {
		if m.Provider == providerName {
			out = append(out, m.Descriptor())
		}
	}
	return out
}

func fallbackRules(rules []config.FallbackRule) []gateway.FallbackRule {
	out := make([]gateway.FallbackRule, 0, len(rules))
	for _, r := range rules {
		classes := make([]gateway.ErrorClass, 0, len(r.ErrorCodes))
		for _, c := range r.ErrorCodes {
			classes = append(classes, gateway.ErrorClass(c))
		}
		out = append(out, gateway.FallbackRule{
			Model:        r.ModelID,
			Fallbacks:    r.FallbackModels,
			ErrorClasses: classes,
		})
	}
	return out
}

// availability gates fallback candidates: the model must resolve, its
// provider must not be probing unhealthy, and the provider's breaker must
// not be open.
func availability(reg *provider.Registry, monitor *health.Monitor, breakers *circuitbreaker.Registry) fallback.Availability {
	return func(model string) bool {
		desc, ok := reg.Model(model)
		if !ok {
			return false
		}
		if !monitor.Healthy(desc.Provider) {
			return false
		}
		if b := breakers.Get(desc.Provider); b != nil && b.State() == circuitbreaker.StateOpen {
			return false
		}
		return true
	}
}

func credentials(creds []config.Credential) []auth.Credential {
	out := make([]auth.Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, auth.Credential{Key: c.Key, UserID: c.UserID})
	}
	return out
}

func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}

// pollUsageQueue samples the usage recorder's backlog into a gauge.
func pollUsageQueue(ctx context.Context, m *telemetry.Metrics, rec *worker.UsageRecorder) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UsageQueueLength.Set(float64(rec.QueueLength()))
		case <-ctx.Done():
			return
		}
	}
}

// evictStale drops rate limiters and breakers idle for over an hour.
func evictStale(ctx context.Context, limiters *ratelimit.Registry, breakers *circuitbreaker.Registry) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			limiters.EvictStale(cutoff)
			breakers.EvictStale(cutoff)
		case <-ctx.Done():
			return
		}
	}
}
