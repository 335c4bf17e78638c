// Package importer pulls a patient's clinical record from a FHIR server,
// one resource type after another, following each search's "next" links.
// Failures are isolated per resource type and reported on the run's
// progress; only a missing session or a cancelled context aborts a run.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// FHIRClient is the transport the importer depends on. *fhir.Client
// implements it.
type FHIRClient interface {
	// Request GETs a relative or absolute URL and decodes the JSON body into
	// out. HTTP failures are reported as *fhir.RequestError.
	Request(ctx context.Context, url string, out any) error
	// Session returns the active patient context, or nil.
	Session() *fhir.Session
}

// Option configures an Importer.
type Option func(*Importer)

// WithRegistry replaces the built-in resource type registry.
func WithRegistry(r *Registry) Option {
	return func(im *Importer) { im.registry = r }
}

// WithLogger sets the run logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(im *Importer) { im.logger = logger }
}

// WithSleep replaces the retry sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(im *Importer) { im.sleep = fn }
}

// WithClock replaces the time source used for progress timestamps.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

// WithCatalog sets the message catalog for stage and error text.
func WithCatalog(c *Catalog) Option {
	return func(im *Importer) { im.catalog = c }
}

// Importer runs imports with a fixed FetchConfig. An Importer may run any
// number of times; each Run owns its own progress and result.
type Importer struct {
	client   FHIRClient
	cfg      FetchConfig
	registry *Registry
	policy   RetryPolicy
	logger   zerolog.Logger
	sleep    SleepFunc
	now      func() time.Time
	catalog  *Catalog
}

// New validates cfg and returns an Importer. A resource type missing from
// the registry is reported as a *ConfigurationError.
func New(client FHIRClient, cfg FetchConfig, opts ...Option) (*Importer, error) {
	im := &Importer{
		client:   client,
		cfg:      cfg,
		registry: DefaultRegistry(),
		policy:   NewRetryPolicy(cfg),
		logger:   zerolog.Nop(),
		sleep:    Sleep,
		now:      time.Now,
		catalog:  DutchCatalog,
	}
	for _, o := range opts {
		o(im)
	}
	if err := cfg.Validate(im.registry); err != nil {
		return nil, err
	}
	return im, nil
}

// Config returns the run policy.
func (im *Importer) Config() FetchConfig {
	return im.cfg
}

// Result pairs a run's data with its final progress.
type Result struct {
	Data     *FetchedData
	Progress Progress
}

// Run fetches the patient (when configured) and every configured resource
// type, reporting each state change to onProgress. Per-type failures are
// recorded in Progress.Errors and the run still completes. Run returns an
// error only when no session is active (ErrNoActiveSession) or ctx ends; the
// Result is non-nil in every case and holds whatever was fetched. A panic in
// onProgress is not recovered.
func (im *Importer) Run(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	defer func() {
		if v := recover(); v != nil {
			if op, ok := v.(observerPanic); ok {
				v = op.value
			}
			panic(v)
		}
	}()

	session := im.client.Session()
	connectionID := ""
	if session != nil {
		connectionID = session.ConnectionID
	}

	r := &run{
		Importer: im,
		tracker:  NewTracker(connectionID, onProgress, im.now),
		data:     NewFetchedData(),
	}

	types := im.cfg.EffectiveResourceTypes()
	total := im.registry.Estimate(types)
	initializing := im.catalog.stage(msgInitializing)
	r.tracker.Apply(Delta{Stage: &initializing, TotalResources: &total})

	if session == nil || session.PatientID == "" {
		failed := im.catalog.stage(msgNoSession)
		r.tracker.Apply(Delta{Status: StatusError, Stage: &failed})
		im.logger.Error().Msg("fhir import aborted: no active session")
		return r.result(), ErrNoActiveSession
	}

	patientID := session.PatientID
	r.logger = im.logger.With().Str("patient_id", patientID).Logger()
	r.logger.Info().Strs("resource_types", types).Bool("include_patient", im.cfg.IncludePatient).Msg("fhir import started")

	r.tracker.Apply(Delta{Status: StatusFetching})

	if im.cfg.IncludePatient {
		if err := r.fetchPatient(ctx, patientID); err != nil {
			return r.abort(TypePatient, err)
		}
	}

	for _, rt := range types {
		resources, err := r.fetchType(ctx, rt, patientID)
		r.data.Put(rt, resources)
		if err != nil {
			return r.abort(rt, err)
		}
	}

	completed := im.catalog.stage(msgCompleted)
	r.tracker.Apply(Delta{Status: StatusCompleted, Stage: &completed})

	p := r.tracker.Snapshot()
	r.logger.Info().
		Int("processed", p.ProcessedResources).
		Int("errors", len(p.Errors)).
		Msg("fhir import completed")
	return r.result(), nil
}

// run is the state of a single Run call.
type run struct {
	*Importer
	tracker *Tracker
	data    *FetchedData
	logger  zerolog.Logger
}

func (r *run) result() *Result {
	return &Result{Data: r.data, Progress: r.tracker.Snapshot()}
}

// abort ends the run in the error state after ctx was cancelled.
func (r *run) abort(resourceType string, err error) (*Result, error) {
	msg := r.catalog.stage(msgCancelled)
	r.tracker.AddError(ImportError{
		ResourceType:     resourceType,
		Message:          fmt.Sprintf("%s: %v", msg.Text, err),
		MessageLocalized: msg.Localized,
	})
	failed := r.catalog.stage(msgFailed)
	r.tracker.Apply(Delta{Status: StatusError, Stage: &failed})
	r.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("fhir import cancelled")
	return r.result(), fmt.Errorf("fhir import cancelled: %w", err)
}

// fetchPatient reads the patient resource by id. A failed read is recorded
// and the run continues without it; only a context error is returned.
func (r *run) fetchPatient(ctx context.Context, patientID string) error {
	stage := r.catalog.stage(msgFetchingPatient)
	r.tracker.Apply(Delta{Stage: &stage})

	var raw json.RawMessage
	err := r.withRetry(ctx, TypePatient, func(ctx context.Context) error {
		raw = nil
		return r.client.Request(ctx, TypePatient+"/"+url.PathEscape(patientID), &raw)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		msg := r.catalog.stage(msgPatientFailed)
		r.tracker.AddError(ImportError{
			ResourceType:     TypePatient,
			Message:          fmt.Sprintf("%s: %v", msg.Text, err),
			MessageLocalized: msg.Localized,
			Recoverable:      true,
			StatusCode:       fhir.StatusCode(err),
		})
		r.logger.Warn().Err(err).Msg("patient fetch failed")
		return nil
	}
	if !isNullJSON(raw) {
		r.data.Patient = raw
	}
	return nil
}

// fetchType traverses one resource type. A panic in the client or the
// traversal is recorded against the type instead of unwinding the run.
// Observer panics are passed on.
func (r *run) fetchType(ctx context.Context, resourceType, patientID string) (resources []json.RawMessage, err error) {
	acc := []json.RawMessage{}
	defer func() {
		if p := recover(); p != nil {
			if _, ok := p.(observerPanic); ok {
				panic(p)
			}
			r.logger.Error().Str("resource_type", resourceType).Str("panic", fmt.Sprintf("%v", p)).Msg("panic recovered during fetch")
			r.tracker.AddError(ImportError{
				ResourceType: resourceType,
				Message:      fmt.Sprintf("internal error: %v", p),
			})
			resources, err = acc, nil
		}
	}()
	err = r.traverse(ctx, resourceType, patientID, &acc)
	return acc, err
}

// withRetry runs do until it succeeds or the retry policy gives up. Each
// attempt gets its own request timeout.
func (r *run) withRetry(ctx context.Context, resourceType string, do func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.attempt(ctx, do)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		d := r.policy.Decide(err, attempt)
		if !d.Retry {
			return err
		}
		r.logger.Warn().
			Err(err).
			Str("resource_type", resourceType).
			Int("attempt", attempt).
			Int("status", fhir.StatusCode(err)).
			Dur("delay", d.Delay).
			Msg("retrying fhir request")
		if err := r.sleep(ctx, d.Delay); err != nil {
			return err
		}
	}
}

func (r *run) attempt(ctx context.Context, do func(context.Context) error) error {
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}
	return do(ctx)
}

func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
