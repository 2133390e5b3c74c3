// Command dbloadbalancer is a minimal demonstration entrypoint: it wires a
// balancer instance from configuration, exercises a couple of acquisitions,
// and runs a periodic health-check loop until signalled to stop. It is not
// a service with an HTTP surface — the balancer is a library meant to be
// embedded by application code.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitaliisemenov/dbloadbalancer/internal/cache"
	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/balancer"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/position"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/reader"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/readonly"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/round"
	"github.com/vitaliisemenov/dbloadbalancer/internal/resilience"
	"github.com/vitaliisemenov/dbloadbalancer/pkg/logger"
	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbloadbalancer: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Filename:   cfg.Logging.Filename,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	slog.SetDefault(log)

	metricsRegistry := metrics.NewMetricsRegistry(cfg.Metrics.Namespace)

	sanitizer := config.NewDefaultConfigSanitizer()
	log.Info("dbloadbalancer: loaded configuration", "config", sanitizer.Sanitize(cfg))

	b, cleanup, err := build(cfg, log, metricsRegistry)
	if err != nil {
		log.Error("dbloadbalancer: failed to build balancer", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exerciseOnce(ctx, b, log)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Info("dbloadbalancer: started", "servers", len(cfg.Servers), "local_domain", cfg.LocalDomain)

	for {
		select {
		case <-ctx.Done():
			log.Info("dbloadbalancer: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.CloseAll(shutdownCtx); err != nil {
				log.Warn("dbloadbalancer: error closing connections", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			reason := b.GetReadOnlyReason(ctx)
			if reason != "" {
				log.Warn("dbloadbalancer: cluster is read-only", "reason", reason)
			} else {
				log.Debug("dbloadbalancer: health check ok")
			}
		}
	}
}

// build wires every internal/lb component from configuration, grounded on
// the same dependency-injection shape the deleted postgres pool
// constructor used (explicit config + logger in, ready component out).
func build(cfg *config.Config, log *slog.Logger, metricsRegistry *metrics.MetricsRegistry) (*balancer.Balancer, func(), error) {
	reg, err := registry.New(cfg.Servers)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: %w", err)
	}

	resolver := domain.NewResolver(cfg.LocalDomain)

	retryPolicy := &resilience.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.Multiplier,
		Jitter:     cfg.Retry.Jitter,
	}
	factory := driver.NewPgxFactory(cfg.Driver, retryPolicy, log)

	p := pool.New(reg, factory, log, metricsRegistry)

	srvCache, err := cache.NewSrvCache(&cache.SrvConfig{Capacity: cfg.Cache.Srv.Capacity}, metricsRegistry)
	if err != nil {
		return nil, nil, fmt.Errorf("srv cache: %w", err)
	}

	var wanCache *cache.WANCache
	if cfg.Cache.WAN.Enabled {
		wanCache, err = cache.NewWANCache(&cache.WANConfig{
			Addr:            cfg.Cache.WAN.Addr,
			Password:        cfg.Cache.WAN.Password,
			DB:              cfg.Cache.WAN.DB,
			PoolSize:        cfg.Cache.WAN.PoolSize,
			MinIdleConns:    cfg.Cache.WAN.MinIdleConns,
			DialTimeout:     cfg.Cache.WAN.DialTimeout,
			ReadTimeout:     cfg.Cache.WAN.ReadTimeout,
			WriteTimeout:    cfg.Cache.WAN.WriteTimeout,
			MaxRetries:      cfg.Cache.WAN.MaxRetries,
			MinRetryBackoff: cfg.Cache.WAN.MinRetryBackoff,
			MaxRetryBackoff: cfg.Cache.WAN.MaxRetryBackoff,
			ReadOnlyFlagTTL: cfg.Cache.WAN.ReadOnlyFlagTTL,
		}, log, metricsRegistry)
		if err != nil {
			return nil, nil, fmt.Errorf("wan cache: %w", err)
		}
	}

	posTracker := position.New(reg, srvCache, p, nil, log)
	selector := reader.New(reg, p, posTracker, reader.NullLoadMonitor{}, cfg.DefaultGroup, cfg.MaxLag, cfg.WaitTimeout, log, metricsRegistry)
	roundCoordinator := round.New(p, log, metricsRegistry)
	if cfg.RoundStage != "" {
		stage, err := round.ParseStage(cfg.RoundStage)
		if err != nil {
			return nil, nil, fmt.Errorf("round_stage: %w", err)
		}
		roundCoordinator.Resume(stage, cfg.RoundID)
		log.Info("dbloadbalancer: resumed persisted round", "stage", stage, "round_id", cfg.RoundID)
	}
	probe := readonly.New(srvCache, wanCache, p, cfg.ReadOnlyReason, log)

	bal := balancer.New(cfg, reg, resolver, p, selector, posTracker, roundCoordinator, probe, log)

	cleanup := func() {
		if wanCache != nil {
			_ = wanCache.Close()
		}
	}
	return bal, cleanup, nil
}

// exerciseOnce performs one read acquisition against the default group, to
// demonstrate the wiring end to end at startup.
func exerciseOnce(ctx context.Context, b *balancer.Balancer, log *slog.Logger) {
	ref, err := b.GetConnection(ctx, balancer.Replica, nil, nil, balancer.SilenceErrors)
	if err != nil {
		log.Warn("dbloadbalancer: startup exercise failed", "error", err)
		return
	}
	if ref == nil {
		log.Warn("dbloadbalancer: startup exercise found no reachable replica")
		return
	}
	h, err := ref.Resolve(ctx)
	if err != nil {
		log.Warn("dbloadbalancer: startup exercise could not resolve reference", "error", err)
		return
	}
	log.Info("dbloadbalancer: startup exercise acquired connection", "server_index", h.ServerIndex)
}
