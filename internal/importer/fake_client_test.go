package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// fakeClient routes requests by resource type to per-type handlers and
// records every call in order.
type fakeClient struct {
	session *fhir.Session
	routes  map[string]func(url string) (any, error)
	calls   []string
}

func newFakeClient(patientID string) *fakeClient {
	var s *fhir.Session
	if patientID != "" {
		s = &fhir.Session{PatientID: patientID, ConnectionID: "test-server"}
	}
	return &fakeClient{session: s, routes: map[string]func(string) (any, error){}}
}

func (f *fakeClient) Session() *fhir.Session {
	return f.session
}

func (f *fakeClient) Request(_ context.Context, url string, out any) error {
	f.calls = append(f.calls, url)
	rt := url
	if i := strings.IndexAny(rt, "?/"); i >= 0 {
		rt = rt[:i]
	}
	h, ok := f.routes[rt]
	if !ok {
		return &fhir.RequestError{Method: http.MethodGet, URL: url, StatusCode: http.StatusNotFound}
	}
	v, err := h(url)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeClient) callsFor(resourceType string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, resourceType+"?") || strings.HasPrefix(c, resourceType+"/") {
			n++
		}
	}
	return n
}

// page builds a searchset bundle with one resource per id.
func page(resourceType string, ids []string, next string) fhir.Bundle {
	entries := make([]fhir.BundleEntry, len(ids))
	for i, id := range ids {
		entries[i] = fhir.BundleEntry{
			Resource: json.RawMessage(fmt.Sprintf(`{"resourceType":%q,"id":%q}`, resourceType, id)),
		}
	}
	b := fhir.Bundle{ResourceType: "Bundle", Type: "searchset", Entry: entries}
	if next != "" {
		b.Link = []fhir.BundleLink{{Relation: "next", URL: next}}
	}
	return b
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}
	return out
}

func statusErr(code int) error {
	return &fhir.RequestError{Method: http.MethodGet, URL: "test", StatusCode: code}
}

func noSleep(context.Context, time.Duration) error { return nil }

// testConfig returns a config with retries that never actually wait.
func testConfig(types ...string) FetchConfig {
	cfg := DefaultFetchConfig()
	cfg.ResourceTypes = types
	cfg.IncludePatient = false
	cfg.RequestTimeout = 0
	return cfg
}

func mustImporter(t *testing.T, client FHIRClient, cfg FetchConfig, opts ...Option) *Importer {
	t.Helper()
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	im, err := New(client, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return im
}

// progressRecorder keeps every progress value the run reported.
type progressRecorder struct {
	seen []Progress
}

func (p *progressRecorder) observe(pr Progress) {
	p.seen = append(p.seen, pr)
}
