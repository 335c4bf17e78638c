package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/telemetry"
	"github.com/ehr/fhirimport/internal/store"
)

// ErrPatientRequired is returned by Start when the request names no patient.
var ErrPatientRequired = errors.New("patientId is required")

// ClientFactory returns a FHIR client bound to one patient.
type ClientFactory func(patientID string) importer.FHIRClient

// StartRequest overrides the default fetch policy for one run. Nil fields
// keep the defaults.
type StartRequest struct {
	PatientID           string     `json:"patientId"`
	ResourceTypes       []string   `json:"resourceTypes,omitempty"`
	Since               *time.Time `json:"since,omitempty"`
	MaxResourcesPerType *int       `json:"maxResourcesPerType,omitempty"`
	IncludePatient      *bool      `json:"includePatient,omitempty"`
}

// FetchConfig applies the request's overrides to base.
func (r StartRequest) FetchConfig(base importer.FetchConfig) importer.FetchConfig {
	cfg := base
	cfg.ResourceTypes = base.EffectiveResourceTypes()
	if len(r.ResourceTypes) > 0 {
		cfg.ResourceTypes = append([]string(nil), r.ResourceTypes...)
	}
	if r.Since != nil {
		since := r.Since.UTC()
		cfg.Since = &since
	}
	if r.MaxResourcesPerType != nil {
		cfg.MaxResourcesPerType = *r.MaxResourcesPerType
	}
	if r.IncludePatient != nil {
		cfg.IncludePatient = *r.IncludePatient
	}
	return cfg
}

// Runner executes imports in the background and mirrors their progress into
// a RunStore. The latest progress of in-flight runs is also kept in memory
// so readers see every processed resource, not just the persisted steps.
type Runner struct {
	store     store.RunStore
	newClient ClientFactory
	base      importer.FetchConfig
	opts      []importer.Option
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	live map[uuid.UUID]importer.Progress
}

// NewRunner returns a Runner. opts are passed to every importer it creates.
func NewRunner(st store.RunStore, newClient ClientFactory, base importer.FetchConfig, logger zerolog.Logger, opts ...importer.Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     st,
		newClient: newClient,
		base:      base,
		opts:      append([]importer.Option{importer.WithLogger(logger)}, opts...),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[uuid.UUID]importer.Progress),
	}
}

// UseMetrics records run outcomes in m. Call it before the first Start.
func (r *Runner) UseMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Start validates req, records a pending run and begins the import. An
// unusable request yields ErrPatientRequired, an error wrapping
// importer.ErrInvalidConfig, or a *importer.ConfigurationError.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*store.Run, error) {
	if req.PatientID == "" {
		return nil, ErrPatientRequired
	}

	client := r.newClient(req.PatientID)
	cfg := req.FetchConfig(r.base)
	im, err := importer.New(client, cfg, r.opts...)
	if err != nil {
		return nil, err
	}

	connectionID := ""
	if s := client.Session(); s != nil {
		connectionID = s.ConnectionID
	}
	initial := importer.Progress{
		ConnectionID: connectionID,
		Status:       importer.StatusPending,
		Errors:       []importer.ImportError{},
	}
	run, err := r.store.Create(ctx, req.PatientID, cfg.EffectiveResourceTypes(), initial)
	if err != nil {
		return nil, err
	}

	r.setLive(run.ID, initial)
	r.metrics.RunStarted()
	r.wg.Add(1)
	go r.execute(run.ID, im)
	return run, nil
}

func (r *Runner) execute(id uuid.UUID, im *importer.Importer) {
	defer r.wg.Done()
	logger := r.logger.With().Str("run_id", id.String()).Logger()

	var last importer.Progress
	onProgress := func(p importer.Progress) {
		r.setLive(id, p)
		if !persistWorthy(last, p) {
			return
		}
		last = p
		if err := r.store.UpdateProgress(r.ctx, id, p); err != nil {
			logger.Warn().Err(err).Msg("persist progress failed")
		}
	}

	res, err := im.Run(r.ctx, onProgress)
	if err != nil {
		logger.Warn().Err(err).Msg("import run ended with error")
	}

	// The run context may already be cancelled during shutdown.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.SaveResult(saveCtx, id, res.Data, res.Progress); err != nil {
		logger.Error().Err(err).Msg("save import result failed")
	}

	r.record(res)

	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

func (r *Runner) record(res *importer.Result) {
	if r.metrics == nil {
		return
	}
	if len(res.Data.Patient) > 0 {
		r.metrics.ResourcesFetched(importer.TypePatient, 1)
	}
	for rt, resources := range res.Data.Raw {
		r.metrics.ResourcesFetched(rt, len(resources))
	}
	for _, e := range res.Progress.Errors {
		r.metrics.ImportError(e.ResourceType, e.Recoverable)
	}
	r.metrics.RunFinished(string(res.Progress.Status))
}

// persistWorthy reports whether next differs from the last persisted
// progress in status, stage or recorded errors.
func persistWorthy(last, next importer.Progress) bool {
	return last.Status != next.Status ||
		last.Stage != next.Stage ||
		len(last.Errors) != len(next.Errors)
}

func (r *Runner) setLive(id uuid.UUID, p importer.Progress) {
	r.mu.Lock()
	r.live[id] = p
	r.mu.Unlock()
}

// Live returns the in-memory progress of a run that is still executing.
func (r *Runner) Live(id uuid.UUID) (importer.Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.live[id]
	if !ok {
		return importer.Progress{}, false
	}
	return p.Clone(), true
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels in-flight runs and waits for them to record their
// results, or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
