package importer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRun_TwoPagesOfConditions(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		if strings.Contains(url, "page=2") {
			return page(TypeCondition, []string{"c3", "c4"}, ""), nil
		}
		return page(TypeCondition, []string{"c1", "c2"}, "Condition?patient=pt-1&page=2"), nil
	}

	im := mustImporter(t, client, testConfig(TypeCondition))
	res, err := im.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(res.Data.Conditions) != 4 {
		t.Errorf("expected 4 conditions, got %d", len(res.Data.Conditions))
	}
	if res.Progress.ProcessedResources != 4 {
		t.Errorf("expected processedResources 4, got %d", res.Progress.ProcessedResources)
	}
	if res.Progress.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", res.Progress.Status)
	}
	if len(res.Data.Raw[TypeCondition]) != 4 {
		t.Errorf("expected 4 raw conditions, got %d", len(res.Data.Raw[TypeCondition]))
	}
	if got := client.callsFor(TypeCondition); got != 2 {
		t.Errorf("expected 2 page fetches, got %d", got)
	}
}

func TestRun_PreservesEntryOrder(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		if strings.Contains(url, "page=2") {
			return page(TypeCondition, []string{"c3", "c1"}, ""), nil
		}
		return page(TypeCondition, []string{"c2", "c1"}, "Condition?page=2"), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := []string{"c2", "c1", "c3", "c1"}
	if len(res.Data.Conditions) != len(want) {
		t.Fatalf("expected %d conditions, got %d", len(want), len(res.Data.Conditions))
	}
	for i, id := range want {
		if !strings.Contains(string(res.Data.Conditions[i]), fmt.Sprintf("%q", id)) {
			t.Errorf("position %d: expected %s, got %s", i, id, res.Data.Conditions[i])
		}
	}
}

func TestRun_BoundedPagination(t *testing.T) {
	client := newFakeClient("pt-1")
	n := 0
	client.routes[TypeObservation] = func(url string) (any, error) {
		n++
		return page(TypeObservation, ids(fmt.Sprintf("p%d", n), 10), fmt.Sprintf("Observation?page=%d", n+1)), nil
	}

	cfg := testConfig(TypeObservation)
	cfg.PageSize = 10
	cfg.MaxResourcesPerType = 25

	res, err := mustImporter(t, client, cfg).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := client.callsFor(TypeObservation); got != 3 {
		t.Errorf("expected exactly 3 page fetches, got %d", got)
	}
	if len(res.Data.Observations) != 25 {
		t.Errorf("expected exactly 25 observations, got %d", len(res.Data.Observations))
	}
	if res.Progress.ProcessedResources != 25 {
		t.Errorf("expected processedResources 25, got %d", res.Progress.ProcessedResources)
	}
}

func TestRun_UnboundedStopsAtPageCeiling(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		return page(TypeCondition, nil, "Condition?again"), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := client.callsFor(TypeCondition); got != maxPagesUnbounded {
		t.Errorf("expected %d page fetches, got %d", maxPagesUnbounded, got)
	}
	if res.Progress.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Progress.Status)
	}
}

func TestRun_RetryCeiling(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return nil, statusErr(http.StatusBadGateway)
	}

	cfg := testConfig(TypeCondition)
	cfg.RetryAttempts = 3

	res, err := mustImporter(t, client, cfg).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := client.callsFor(TypeCondition); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
	if len(res.Progress.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(res.Progress.Errors))
	}
	e := res.Progress.Errors[0]
	if !e.Recoverable {
		t.Error("expected transient failure to be recoverable")
	}
	if e.Page != 1 {
		t.Errorf("expected page 1, got %d", e.Page)
	}
	if e.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", e.StatusCode)
	}
}

func TestRun_RetryDelaysAreLinear(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return nil, errors.New("connection reset")
	}

	var slept []time.Duration
	cfg := testConfig(TypeCondition)
	cfg.RetryAttempts = 4
	im, err := New(client, cfg, WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := im.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Errorf("expected delays %v, got %v", want, slept)
	}
}

func TestRun_AuthFailureIsNotRetried(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return nil, statusErr(http.StatusUnauthorized)
	}

	cfg := testConfig(TypeCondition)
	cfg.RetryAttempts = 5

	res, err := mustImporter(t, client, cfg).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := client.callsFor(TypeCondition); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
	if len(res.Progress.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(res.Progress.Errors))
	}
	if res.Progress.Errors[0].Recoverable {
		t.Error("expected auth failure to be non-recoverable")
	}
	if res.Progress.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Progress.Status)
	}
}

func TestRun_IsolatesFailingType(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		return page(TypeCondition, ids("c", 3), ""), nil
	}
	client.routes[TypeObservation] = func(string) (any, error) {
		return nil, statusErr(http.StatusInternalServerError)
	}

	res, err := mustImporter(t, client, testConfig(TypeObservation, TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Progress.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Progress.Status)
	}
	if len(res.Data.Conditions) != 3 {
		t.Errorf("expected 3 conditions, got %d", len(res.Data.Conditions))
	}
	if len(res.Data.Observations) != 0 {
		t.Errorf("expected no observations, got %d", len(res.Data.Observations))
	}
	if len(res.Progress.Errors) != 1 || res.Progress.Errors[0].ResourceType != TypeObservation {
		t.Errorf("expected exactly one Observation error, got %+v", res.Progress.Errors)
	}
}

func TestRun_FailureMidTraversalKeepsEarlierPages(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeObservation] = func(url string) (any, error) {
		if strings.Contains(url, "page=2") {
			return nil, statusErr(http.StatusServiceUnavailable)
		}
		return page(TypeObservation, ids("o", 2), "Observation?page=2"), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeObservation)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Data.Observations) != 2 {
		t.Errorf("expected 2 observations from page 1, got %d", len(res.Data.Observations))
	}
	if len(res.Progress.Errors) != 1 || res.Progress.Errors[0].Page != 2 {
		t.Errorf("expected one error on page 2, got %+v", res.Progress.Errors)
	}
}

func TestRun_ErrorsAreAppendOnly(t *testing.T) {
	client := newFakeClient("pt-1")
	failing := []string{TypeCondition, TypeObservation, TypeImmunization}
	for _, rt := range failing {
		client.routes[rt] = func(string) (any, error) { return nil, statusErr(http.StatusBadGateway) }
	}
	client.routes[TypeAllergyIntolerance] = func(string) (any, error) {
		return page(TypeAllergyIntolerance, ids("a", 1), ""), nil
	}

	rec := &progressRecorder{}
	cfg := testConfig(TypeCondition, TypeAllergyIntolerance, TypeObservation, TypeImmunization)
	res, err := mustImporter(t, client, cfg).Run(context.Background(), rec.observe)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Progress.Errors) != len(failing) {
		t.Fatalf("expected %d errors, got %d", len(failing), len(res.Progress.Errors))
	}

	var prev []ImportError
	for _, p := range rec.seen {
		if len(p.Errors) < len(prev) {
			t.Fatalf("errors shrank from %d to %d", len(prev), len(p.Errors))
		}
		for i := range prev {
			if p.Errors[i] != prev[i] {
				t.Fatalf("error %d changed: %+v -> %+v", i, prev[i], p.Errors[i])
			}
		}
		prev = p.Errors
	}
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		if strings.Contains(url, "page=2") {
			return page(TypeCondition, ids("c2", 3), ""), nil
		}
		return page(TypeCondition, ids("c1", 3), "Condition?page=2"), nil
	}
	client.routes[TypeObservation] = func(string) (any, error) {
		return page(TypeObservation, ids("o", 4), ""), nil
	}
	client.routes[TypeProcedure] = func(string) (any, error) {
		return page(TypeProcedure, ids("p", 2), ""), nil
	}

	rec := &progressRecorder{}
	res, err := mustImporter(t, client, testConfig(TypeCondition, TypeObservation, TypeProcedure)).Run(context.Background(), rec.observe)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	last := -1
	for _, p := range rec.seen {
		if p.ProcessedResources < last {
			t.Fatalf("processedResources decreased from %d to %d", last, p.ProcessedResources)
		}
		last = p.ProcessedResources
	}
	if last != res.Data.Count() {
		t.Errorf("final processedResources %d != resources in raw %d", last, res.Data.Count())
	}
	if last != 12 {
		t.Errorf("expected 12 resources, got %d", last)
	}
}

func TestRun_StatusSequence(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return page(TypeCondition, ids("c", 1), ""), nil
	}

	rec := &progressRecorder{}
	if _, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), rec.observe); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var statuses []Status
	for _, p := range rec.seen {
		if len(statuses) == 0 || statuses[len(statuses)-1] != p.Status {
			statuses = append(statuses, p.Status)
		}
	}
	want := []Status{StatusPending, StatusFetching, StatusCompleted}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("expected status sequence %v, got %v", want, statuses)
	}

	final := rec.seen[len(rec.seen)-1]
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}
	if final.Stage == "" || final.StageLocalized == "" {
		t.Error("expected stage text and localized stage text")
	}
}

func TestRun_TotalIsRegistryEstimate(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) { return page(TypeCondition, nil, ""), nil }
	client.routes[TypeObservation] = func(string) (any, error) { return page(TypeObservation, nil, ""), nil }

	res, err := mustImporter(t, client, testConfig(TypeCondition, TypeObservation)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := DefaultRegistry().Estimate([]string{TypeCondition, TypeObservation})
	if res.Progress.TotalResources != want {
		t.Errorf("expected total %d, got %d", want, res.Progress.TotalResources)
	}
}

func TestRun_PatientNotFound(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypePatient] = func(string) (any, error) {
		return nil, statusErr(http.StatusNotFound)
	}
	client.routes[TypeCondition] = func(string) (any, error) {
		return page(TypeCondition, ids("c", 1), ""), nil
	}

	cfg := testConfig(TypeCondition)
	cfg.IncludePatient = true

	res, err := mustImporter(t, client, cfg).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Data.Patient != nil {
		t.Errorf("expected no patient, got %s", res.Data.Patient)
	}
	if len(res.Progress.Errors) != 1 || res.Progress.Errors[0].ResourceType != TypePatient {
		t.Fatalf("expected one Patient error, got %+v", res.Progress.Errors)
	}
	if !res.Progress.Errors[0].Recoverable {
		t.Error("expected patient failure to be recoverable")
	}
	if res.Progress.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Progress.Status)
	}
	if len(res.Data.Conditions) != 1 {
		t.Errorf("expected run to continue past the patient failure")
	}
}

func TestRun_FetchesPatient(t *testing.T) {
	client := newFakeClient("pt-1")
	var patientURL string
	client.routes[TypePatient] = func(url string) (any, error) {
		patientURL = url
		return map[string]string{"resourceType": "Patient", "id": "pt-1"}, nil
	}

	cfg := testConfig(TypeCondition)
	cfg.IncludePatient = true
	client.routes[TypeCondition] = func(string) (any, error) { return page(TypeCondition, nil, ""), nil }

	res, err := mustImporter(t, client, cfg).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if patientURL != "Patient/pt-1" {
		t.Errorf("expected read of Patient/pt-1, got %q", patientURL)
	}
	if !strings.Contains(string(res.Data.Patient), `"pt-1"`) {
		t.Errorf("expected patient resource, got %s", res.Data.Patient)
	}
	if res.Progress.ProcessedResources != 0 {
		t.Errorf("patient must not count as a processed resource, got %d", res.Progress.ProcessedResources)
	}
}

func TestRun_NoActiveSession(t *testing.T) {
	client := newFakeClient("")

	rec := &progressRecorder{}
	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), rec.observe)
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if res == nil {
		t.Fatal("expected a result alongside the error")
	}
	if res.Progress.Status != StatusError {
		t.Errorf("expected status error, got %s", res.Progress.Status)
	}
	if len(client.calls) != 0 {
		t.Errorf("expected no requests, got %v", client.calls)
	}
}

func TestRun_MissingEntryIsEmptyPage(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(url string) (any, error) {
		if strings.Contains(url, "page=2") {
			return page(TypeCondition, ids("c", 2), ""), nil
		}
		return map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"link":         []map[string]string{{"relation": "next", "url": "Condition?page=2"}},
		}, nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Data.Conditions) != 2 {
		t.Errorf("expected pagination to continue past empty page, got %d conditions", len(res.Data.Conditions))
	}
	if len(res.Progress.Errors) != 0 {
		t.Errorf("expected no errors, got %+v", res.Progress.Errors)
	}
}

func TestRun_SkipsEntriesWithoutResource(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return map[string]any{
			"resourceType": "Bundle",
			"entry": []map[string]any{
				{"fullUrl": "Condition/1"},
				{"resource": map[string]string{"resourceType": "Condition", "id": "2"}},
				{"resource": nil},
			},
		}, nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Data.Conditions) != 1 {
		t.Errorf("expected 1 condition, got %d", len(res.Data.Conditions))
	}
}

func TestRun_StopsAtDeclaredTotal(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		b := page(TypeCondition, ids("c", 2), "Condition?page=2")
		total := 2
		b.Total = &total
		return b, nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := client.callsFor(TypeCondition); got != 1 {
		t.Errorf("expected 1 page fetch, got %d", got)
	}
	if len(res.Data.Conditions) != 2 {
		t.Errorf("expected 2 conditions, got %d", len(res.Data.Conditions))
	}
}

func TestRun_EmptyResultIsNotAnError(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeImmunization] = func(string) (any, error) {
		return page(TypeImmunization, nil, ""), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeImmunization)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Data.Immunizations == nil || len(res.Data.Immunizations) != 0 {
		t.Errorf("expected empty immunizations slice, got %v", res.Data.Immunizations)
	}
	if len(res.Progress.Errors) != 0 {
		t.Errorf("expected no errors, got %+v", res.Progress.Errors)
	}
}

func TestRun_TypeWithoutSlotLandsInRaw(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeProcedure] = func(string) (any, error) {
		return page(TypeProcedure, ids("p", 2), ""), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeProcedure)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Data.Raw[TypeProcedure]) != 2 {
		t.Errorf("expected 2 procedures in raw, got %d", len(res.Data.Raw[TypeProcedure]))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	client := newFakeClient("pt-1")
	ctx, cancel := context.WithCancel(context.Background())
	client.routes[TypeCondition] = func(string) (any, error) {
		cancel()
		return page(TypeCondition, ids("c", 2), "Condition?page=2"), nil
	}
	client.routes[TypeObservation] = func(string) (any, error) {
		return page(TypeObservation, ids("o", 2), ""), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition, TypeObservation)).Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Progress.Status != StatusError {
		t.Errorf("expected status error, got %s", res.Progress.Status)
	}
	if len(res.Data.Conditions) != 2 {
		t.Errorf("expected the first page to be kept, got %d", len(res.Data.Conditions))
	}
	if client.callsFor(TypeObservation) != 0 {
		t.Error("expected no requests after cancellation")
	}
	if len(res.Progress.Errors) != 1 || res.Progress.Errors[0].Recoverable {
		t.Errorf("expected one non-recoverable cancellation error, got %+v", res.Progress.Errors)
	}
}

func TestRun_PanicIsContainedToType(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		panic("boom")
	}
	client.routes[TypeObservation] = func(string) (any, error) {
		return page(TypeObservation, ids("o", 1), ""), nil
	}

	res, err := mustImporter(t, client, testConfig(TypeCondition, TypeObservation)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Data.Observations) != 1 {
		t.Errorf("expected observations to be fetched, got %d", len(res.Data.Observations))
	}
	if len(res.Progress.Errors) != 1 || res.Progress.Errors[0].ResourceType != TypeCondition {
		t.Errorf("expected one Condition error, got %+v", res.Progress.Errors)
	}
}

func TestRun_ObserverPanicAbortsRun(t *testing.T) {
	client := newFakeClient("pt-1")
	client.routes[TypeCondition] = func(string) (any, error) {
		return page(TypeCondition, ids("c", 2), ""), nil
	}
	client.routes[TypeObservation] = func(string) (any, error) {
		return page(TypeObservation, ids("o", 1), ""), nil
	}
	im := mustImporter(t, client, testConfig(TypeCondition, TypeObservation))

	defer func() {
		v := recover()
		if v != "observer bug" {
			t.Fatalf("expected the observer's panic value, got %v", v)
		}
		if n := client.callsFor(TypeObservation); n != 0 {
			t.Errorf("expected the run to stop before Observation, got %d calls", n)
		}
	}()
	im.Run(context.Background(), func(p Progress) {
		if p.ProcessedResources == 1 {
			panic("observer bug")
		}
	})
	t.Fatal("expected Run to panic")
}

func TestNew_RejectsUnsupportedType(t *testing.T) {
	_, err := New(newFakeClient("pt-1"), testConfig("Spaceship"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.ResourceType != "Spaceship" {
		t.Errorf("expected Spaceship, got %q", cfgErr.ResourceType)
	}
}
