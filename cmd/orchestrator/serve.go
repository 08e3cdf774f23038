package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/inference-orchestrator/config"
	"github.com/vnmchuo/inference-orchestrator/internal/billing"
	"github.com/vnmchuo/inference-orchestrator/internal/logging"
	"github.com/vnmchuo/inference-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/inference-orchestrator/internal/profile"
	"github.com/vnmchuo/inference-orchestrator/internal/proxy"
	"github.com/vnmchuo/inference-orchestrator/internal/registry"
	"github.com/vnmchuo/inference-orchestrator/internal/telemetry"
	"github.com/vnmchuo/inference-orchestrator/internal/worker"
	"github.com/vnmchuo/inference-orchestrator/pkg/ratelimit"
)

const (
	serviceName     = "inference-orchestrator"
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// routingTable builds profiles and policy from a providers file.
func routingTable(p *config.Providers, cfg *config.Config) ([]registry.Profile, orchestrator.Config, error) {
	profiles, err := p.Profiles(config.NewBackend)
	if err != nil {
		return nil, orchestrator.Config{}, err
	}
	routing, err := p.Routing.Orchestrator()
	if err != nil {
		return nil, orchestrator.Config{}, err
	}
	routing.RequestTimeout = cfg.RequestTimeout
	return profiles, routing, nil
}

// tokenCounter loads the tokenizer before traffic arrives so the profiler
// budget is never spent on it.
func tokenCounter(load func() (profile.TokenCounter, error), log *zap.Logger) profile.TokenCounter {
	counter, err := load()
	if err != nil {
		log.Warn("tokenizer unavailable, estimating prompt sizes", zap.Error(err))
		return profile.ApproxTokens
	}
	return counter
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(serviceName, version, telemetry.TracerConfig{
		ExporterType: cfg.OTELExporterType,
		Endpoint:     cfg.OTELExporterEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	in, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.Close()

	store, err := openStore(ctx, cfg, in, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{})
	if cfg.DefaultRateLimitTPM > 0 {
		limiter.WithCluster(ratelimit.NewRedisCluster(in.rdb, cfg.DefaultRateLimitTPM))
		log.Info("cluster rate limit enabled", zap.Int64("tpm", cfg.DefaultRateLimitTPM))
	}

	var usage billing.Store
	if in.pool != nil {
		ledger := billing.NewPostgresStore(in.pool)
		if err := ledger.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate usage ledger: %w", err)
		}
		usage = ledger
	}

	file, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return err
	}
	profiles, routing, err := routingTable(file, cfg)
	if err != nil {
		return err
	}
	reg, err := registry.New(profiles...)
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Profiler: profile.WithBudget(profile.NewHeuristic(tokenCounter(profile.LoadTiktoken, log)), cfg.ProfilerBudget),
		Limiter:  limiter,
		Store:    store,
		Usage:    usage,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   log,
	}, routing)
	if err != nil {
		return err
	}
	if err := orch.LoadState(ctx); err != nil {
		log.Warn("starting without persisted state", zap.Error(err))
	}

	sched := worker.New(log)
	if err := sched.Add(orch.Tasks()...); err != nil {
		return err
	}

	handler := proxy.NewHandler(orch, usage, tracer, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewRouter(handler, promReg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("orchestrator listening", zap.String("addr", srv.Addr), zap.Int("providers", len(profiles)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, cfg.ProvidersFile, config.DefaultDebounce, log, func(p *config.Providers) error {
			profiles, routing, err := routingTable(p, cfg)
			if err != nil {
				return err
			}
			return orch.Reload(profiles, routing)
		})
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Close(closeCtx); err != nil {
		log.Error("final state flush failed", zap.Error(err))
	}
	log.Info("orchestrator stopped")
	return runErr
}
