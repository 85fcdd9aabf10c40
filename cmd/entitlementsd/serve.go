package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/mealplan-entitlements/internal/api"
	"github.com/rcourtman/mealplan-entitlements/internal/billing"
	"github.com/rcourtman/mealplan-entitlements/internal/config"
	"github.com/rcourtman/mealplan-entitlements/internal/entitlements"
	"github.com/rcourtman/mealplan-entitlements/internal/logging"
	"github.com/rcourtman/mealplan-entitlements/internal/store"
	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Baseline logger for early startup messages.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlementsd",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementsd",
	})

	catalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	service := entitlements.NewService(st, st, entitlements.Options{
		TTL:             cfg.CacheTTL,
		ProviderTimeout: cfg.ProviderTimeout,
		Catalog:         catalog,
		Metrics:         entitlements.GetMetrics(),
	})
	notifier := billing.NewNotifier(st, service, cfg.PriceTiers)

	if cfg.AdminToken == "" {
		log.Warn().Msg("No admin token configured, admin and billing endpoints are disabled")
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Service:    service,
			Store:      st,
			Health:     st,
			Billing:    notifier,
			AdminToken: cfg.AdminToken,
			Version:    Version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Dur("cache_ttl", cfg.CacheTTL).
		Dur("provider_timeout", cfg.ProviderTimeout).
		Msg("Starting entitlements service")

	g.Go(func() error {
		return serveUntilDone(ctx, srv, "api", apiShutdownTimeout)
	})
	if cfg.MetricsAddr != "" {
		metricsSrv := newMetricsServer(cfg.MetricsAddr)
		g.Go(func() error {
			return serveUntilDone(ctx, metricsSrv, "metrics", metricsShutdownTimeout)
		})
	}
	g.Go(func() error {
		return service.Cache().RunJanitor(ctx, cfg.CacheTTL)
	})

	if cfg.CatalogFile != "" {
		watcher, err := config.NewCatalogWatcher(cfg.CatalogFile, service.SetCatalog)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create catalog watcher, catalog changes will require SIGHUP or restart")
		} else {
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Failed to start catalog watcher")
			}
			defer watcher.Stop()
			g.Go(func() error {
				reloadOnSIGHUP(ctx, watcher.Reload)
				return nil
			})
		}
	} else {
		g.Go(func() error {
			reloadOnSIGHUP(ctx, service.InvalidateAll)
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("Entitlements service stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reloadOnSIGHUP calls reload for every SIGHUP until ctx is done.
func reloadOnSIGHUP(ctx context.Context, reload func()) {
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading")
			reload()
		case <-ctx.Done():
			return
		}
	}
}

// loadCatalog returns the catalog from path, or the built-in catalog when
// path is empty.
func loadCatalog(path string) (*pkgentitlements.Catalog, error) {
	if path == "" {
		return pkgentitlements.DefaultCatalog(), nil
	}
	catalog, err := config.LoadCatalogFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tier catalog: %w", err)
	}
	log.Info().Str("catalog_file", path).Msg("Loaded tier catalog")
	return catalog, nil
}
