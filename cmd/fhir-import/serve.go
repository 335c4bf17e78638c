package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/api"
	"github.com/ehr/fhirimport/internal/config"
	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/middleware"
	"github.com/ehr/fhirimport/internal/platform/telemetry"
)

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	fc, err := cfg.FetchConfig()
	if err != nil {
		return err
	}
	tokens, err := newTokenSource(cfg, logger)
	if err != nil {
		return err
	}
	client, err := newFHIRClient(cfg, tokens, logger)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := api.NewRunner(st, func(patientID string) importer.FHIRClient {
		return client.ForPatient(patientID)
	}, fc, logger.With().Str("component", "importer").Logger())
	metrics := telemetry.NewMetrics()
	runner.UseMetrics(metrics)

	e := newEcho(api.NewHandler(runner, st), metrics, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_base_url", cfg.FHIRBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("import runs did not finish in time")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(h *api.Handler, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/metrics", metrics.Handler())
	h.RegisterRoutes(e)
	return e
}
