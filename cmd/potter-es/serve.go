package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	framework "github.com/akriventsev/potter-eventstore"
	"github.com/akriventsev/potter-eventstore/framework/config"
	"github.com/akriventsev/potter-eventstore/framework/metrics"
)

const shutdownTimeout = 10 * time.Second

// runServe запускает проекции и relay до сигнала остановки
func runServe(ctx context.Context, cfg config.Config) error {
	logger := cfg.NewLogger()

	var server *http.Server
	if cfg.Metrics.Enabled {
		// глобальный провайдер ставится до создания движка, NewMetrics читает его
		exporter, err := metrics.SetupMetrics(ctx, metrics.MetricsConfig{
			ServiceName:    "potter-es",
			ServiceVersion: framework.Version,
			ResourceAttrs:  map[string]string{"backend": string(cfg.Backend)},
			Global:         true,
		})
		if err != nil {
			return err
		}
		defer exporter.Shutdown(context.WithoutCancel(ctx))

		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("metrics endpoint started", "addr", cfg.Metrics.Addr)
	}

	engine, err := framework.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to start engine: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	var errs []error
	if server != nil {
		errs = append(errs, server.Shutdown(shutdownCtx))
	}
	errs = append(errs, engine.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}
