package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/config"
	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/fhir"
	"github.com/ehr/fhirimport/internal/store"
)

const (
	formatJSON   = "json"
	formatNDJSON = "ndjson"
)

type runOptions struct {
	PatientID string
	Out       string
	Format    string
}

func runImport(ctx context.Context, cfg *config.Config, opts runOptions, logger zerolog.Logger) error {
	if opts.Format != formatJSON && opts.Format != formatNDJSON {
		return fmt.Errorf("unknown output format %q", opts.Format)
	}
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

	var fhirClient importer.FHIRClient = client
	switch {
	case opts.PatientID != "":
		fhirClient = client.ForPatient(opts.PatientID)
	case tokens != nil:
		// The launch context arrives with the first token.
		if _, err := tokens.Token(ctx); err != nil {
			return fmt.Errorf("obtain access token: %w", err)
		}
	}

	var st store.RunStore
	if cfg.DatabaseURL != "" {
		s, closeStore, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		st = s
	}

	res, runErr := importPatient(ctx, fhirClient, fc, st, logger)
	if res == nil {
		return runErr
	}

	if err := writeResult(opts, res.Data, fc.EffectiveResourceTypes()); err != nil {
		return err
	}
	return runErr
}

// importPatient runs one import, logging each stage and, when st is not nil,
// persisting the run. The result holds whatever was fetched even when an
// error is returned.
func importPatient(ctx context.Context, client importer.FHIRClient, fc importer.FetchConfig, st store.RunStore, logger zerolog.Logger) (*importer.Result, error) {
	im, err := importer.New(client, fc, importer.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var (
		runID uuid.UUID
		last  importer.Progress
	)
	if st != nil {
		session := client.Session()
		if session == nil {
			session = &fhir.Session{}
		}
		run, err := st.Create(ctx, session.PatientID, fc.EffectiveResourceTypes(), importer.Progress{
			ConnectionID: session.ConnectionID,
			Status:       importer.StatusPending,
			Errors:       []importer.ImportError{},
		})
		if err != nil {
			return nil, fmt.Errorf("record import run: %w", err)
		}
		runID = run.ID
		logger = logger.With().Str("run_id", runID.String()).Logger()
	}

	res, runErr := im.Run(ctx, func(p importer.Progress) {
		if p.Status == last.Status && p.Stage == last.Stage && len(p.Errors) == len(last.Errors) {
			return
		}
		last = p
		logger.Info().
			Str("status", string(p.Status)).
			Str("stage", p.Stage).
			Int("processed", p.ProcessedResources).
			Int("total", p.TotalResources).
			Int("errors", len(p.Errors)).
			Msg("import progress")
		if st != nil {
			if err := st.UpdateProgress(ctx, runID, p); err != nil {
				logger.Warn().Err(err).Msg("persist progress failed")
			}
		}
	})

	if st != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.SaveResult(saveCtx, runID, res.Data, res.Progress); err != nil {
			logger.Error().Err(err).Msg("save import result failed")
		}
	}

	for _, e := range res.Progress.Errors {
		logger.Warn().
			Str("resource_type", e.ResourceType).
			Int("status", e.StatusCode).
			Bool("recoverable", e.Recoverable).
			Msg(e.Message)
	}
	return res, runErr
}

func writeResult(opts runOptions, data *importer.FetchedData, types []string) (err error) {
	var w io.Writer = os.Stdout
	if opts.Out != "" && opts.Out != "-" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return writeData(w, data, types, opts.Format)
}

// writeData encodes data as one JSON document, or as NDJSON with the patient
// first followed by each resource type in fetch order.
func writeData(w io.Writer, data *importer.FetchedData, types []string, format string) error {
	if format != formatNDJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	nd := fhir.NewNDJSONWriter(w)
	if len(data.Patient) > 0 {
		if err := nd.WriteResource(data.Patient); err != nil {
			return err
		}
	}
	for _, rt := range types {
		for _, r := range data.Raw[rt] {
			if err := nd.WriteResource(r); err != nil {
				return fmt.Errorf("write %s: %w", rt, err)
			}
		}
	}
	return nd.Flush()
}
