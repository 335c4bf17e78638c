package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/config"
	"github.com/ehr/fhirimport/internal/platform/auth"
	"github.com/ehr/fhirimport/internal/platform/db"
	"github.com/ehr/fhirimport/internal/platform/fhir"
	"github.com/ehr/fhirimport/internal/store"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger: JSON in production, console output in
// development. An unknown LOG_LEVEL falls back to info.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	}
}

// newTokenSource returns the configured bearer token source, or nil when
// requests go out unauthenticated.
func newTokenSource(cfg *config.Config, logger zerolog.Logger) (fhir.TokenSource, error) {
	if cfg.UsesBackendServices() {
		key, err := auth.LoadRSAPrivateKey(cfg.FHIRPrivateKeyFile)
		if err != nil {
			return nil, err
		}
		ts, err := auth.NewBackendServicesTokenSource(auth.BackendServicesConfig{
			TokenURL:   cfg.FHIRTokenURL,
			ClientID:   cfg.FHIRClientID,
			Scope:      cfg.FHIRScope,
			KeyID:      cfg.FHIRKeyID,
			PrivateKey: key,
		}, logger.With().Str("component", "token").Logger())
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
	if cfg.FHIRAccessToken != "" {
		return auth.StaticTokenSource(cfg.FHIRAccessToken), nil
	}
	return nil, nil
}

func newFHIRClient(cfg *config.Config, tokens fhir.TokenSource, logger zerolog.Logger) (*fhir.Client, error) {
	opts := []fhir.ClientOption{
		fhir.WithLogger(logger.With().Str("component", "fhir").Logger()),
		fhir.WithRateLimit(cfg.FHIRRateLimitRPS, cfg.FHIRRateLimitBurst),
	}
	if tokens != nil {
		opts = append(opts, fhir.WithTokenSource(tokens))
	}
	return fhir.NewClient(cfg.FHIRBaseURL, opts...)
}

// openStore returns the Postgres run store when DATABASE_URL is set and the
// in-memory store otherwise. The returned close func is never nil.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.RunStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("DATABASE_URL not set, keeping runs in memory")
		return store.NewMemoryStore(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	_ = tw.Flush()
}
