// Package api exposes import runs over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/db"
	"github.com/ehr/fhirimport/internal/platform/fhir"
	"github.com/ehr/fhirimport/internal/store"
)

type Handler struct {
	runner *Runner
	store  store.RunStore
}

func NewHandler(runner *Runner, st store.RunStore) *Handler {
	return &Handler{runner: runner, store: st}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/imports")
	g.POST("", h.StartImport)
	g.GET("", h.ListImports)
	g.GET("/:id", h.GetImport)
	g.GET("/:id/data", h.GetImportData)
}

// runView is the JSON shape of a run.
type runView struct {
	ID            uuid.UUID         `json:"id"`
	PatientID     string            `json:"patientId"`
	ResourceTypes []string          `json:"resourceTypes"`
	Progress      importer.Progress `json:"progress"`
	HasData       bool              `json:"hasData"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (h *Handler) view(r *store.Run) runView {
	v := runView{
		ID:            r.ID,
		PatientID:     r.PatientID,
		ResourceTypes: r.ResourceTypes,
		Progress:      r.Progress,
		HasData:       r.HasData,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if p, ok := h.runner.Live(r.ID); ok && !r.Progress.Terminal() {
		v.Progress = p
	}
	return v
}

func (h *Handler) StartImport(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid request body: "+bindMessage(err)))
	}

	run, err := h.runner.Start(c.Request().Context(), req)
	if err != nil {
		var cfgErr *importer.ConfigurationError
		switch {
		case errors.Is(err, ErrPatientRequired):
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patientId", "is required"))
		case errors.As(err, &cfgErr):
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("resourceTypes", err.Error()))
		case errors.Is(err, importer.ErrInvalidConfig):
			return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
		}
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("start import failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("could not start import"))
	}

	c.Response().Header().Set("Content-Location", "/imports/"+run.ID.String())
	return c.JSON(http.StatusAccepted, h.view(run))
}

// GetImport answers 202 while a run is in flight, 200 once it completed and
// 500 with an OperationOutcome when it failed.
func (h *Handler) GetImport(c echo.Context) error {
	run, err := h.lookup(c)
	if err != nil {
		return writeOutcome(c, err)
	}
	v := h.view(run)

	switch v.Progress.Status {
	case importer.StatusCompleted:
		return c.JSON(http.StatusOK, v)
	case importer.StatusError:
		return c.JSON(http.StatusInternalServerError, failureOutcome(v.Progress))
	default:
		return c.JSON(http.StatusAccepted, v)
	}
}

// GetImportData returns the fetched resources of a finished run. A run that
// failed part way returns whatever it fetched.
func (h *Handler) GetImportData(c echo.Context) error {
	run, err := h.lookup(c)
	if err != nil {
		return writeOutcome(c, err)
	}
	if !run.Progress.Terminal() {
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(
			fmt.Sprintf("import %s is still %s", run.ID, run.Progress.Status)))
	}

	data, err := h.store.GetData(c.Request().Context(), run.ID)
	switch {
	case errors.Is(err, store.ErrDataNotReady):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(
			fmt.Sprintf("import %s has no saved data yet", run.ID)))
	case err != nil:
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("load import data failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("could not load import data"))
	}
	return c.JSON(http.StatusOK, data)
}

func (h *Handler) ListImports(c echo.Context) error {
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("limit", "must be a positive integer"))
		}
		limit = n
	}

	runs, err := h.store.List(c.Request().Context(), limit)
	if err != nil {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("list imports failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("could not list imports"))
	}

	views := make([]runView, len(runs))
	for i, r := range runs {
		views[i] = h.view(r)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total": len(views),
		"runs":  views,
	})
}

// Health pings the run store. Pool statistics are included when the store
// is backed by Postgres.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{"status": "healthy"}
	if s, ok := h.store.(interface{ Stats() *db.PoolStats }); ok {
		body["pool"] = s.Stats()
	}
	if err := h.store.Ping(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

// outcomeError carries the response for a failed lookup.
type outcomeError struct {
	status  int
	outcome *fhir.OperationOutcome
}

func (e *outcomeError) Error() string { return e.outcome.Diagnostics() }

func writeOutcome(c echo.Context, err error) error {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return c.JSON(oe.status, oe.outcome)
	}
	return err
}

func (h *Handler) lookup(c echo.Context) (*store.Run, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, &outcomeError{http.StatusNotFound, fhir.NotFoundOutcome("import " + c.Param("id") + " not found")}
	}
	run, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		return nil, &outcomeError{http.StatusNotFound, fhir.NotFoundOutcome("import " + id.String() + " not found")}
	}
	if err != nil {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("load import failed")
		return nil, &outcomeError{http.StatusInternalServerError, fhir.InternalErrorOutcome("could not load import")}
	}
	return run, nil
}

// failureOutcome describes a failed run: one fatal issue for the run and one
// issue per recorded error, as warnings when the error was recoverable.
func failureOutcome(p importer.Progress) *fhir.OperationOutcome {
	oo := fhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeProcessing, "import failed: "+p.Stage)
	for _, e := range p.Errors {
		severity := fhir.IssueSeverityError
		if e.Recoverable {
			severity = fhir.IssueSeverityWarning
		}
		oo.Issue = append(oo.Issue, fhir.OperationOutcomeIssue{
			Severity:    severity,
			Code:        issueCode(e),
			Diagnostics: e.ResourceType + ": " + e.Message,
		})
	}
	return oo
}

func issueCode(e importer.ImportError) string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return fhir.IssueTypeLogin
	case http.StatusForbidden:
		return fhir.IssueTypeSecurity
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	}
	return fhir.IssueTypeException
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}
