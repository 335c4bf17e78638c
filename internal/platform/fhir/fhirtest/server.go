// Package fhirtest provides an in-process FHIR server for tests. It serves
// patient reads and paged, patient-scoped searches from seeded resources.
package fhirtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// Server is a FHIR server backed by in-memory resources.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	patients map[string]json.RawMessage
	data     map[string]map[string][]json.RawMessage // patient -> type -> resources
	failures map[string]*failure
	requests []string
	token    string
	gate     chan struct{}
}

type failure struct {
	status     int
	remaining  int // <0 fails forever
	retryAfter string
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		patients: make(map[string]json.RawMessage),
		data:     make(map[string]map[string][]json.RawMessage),
		failures: make(map[string]*failure),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// AddPatient seeds a Patient resource.
func (s *Server) AddPatient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = json.RawMessage(fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, id))
}

// AddResources seeds n resources of resourceType for patientID with ids
// "<type>-<patient>-<i>".
func (s *Server) AddResources(patientID, resourceType string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[patientID] == nil {
		s.data[patientID] = make(map[string][]json.RawMessage)
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-%s-%d", strings.ToLower(resourceType), patientID, i)
		s.data[patientID][resourceType] = append(s.data[patientID][resourceType], json.RawMessage(
			fmt.Sprintf(`{"resourceType":%q,"id":%q,"subject":{"reference":"Patient/%s"}}`, resourceType, id, patientID)))
	}
}

// Fail makes the next times requests for resourceType answer status. A
// negative times fails every request.
func (s *Server) Fail(resourceType string, status, times int) {
	s.FailWithRetryAfter(resourceType, status, times, "")
}

// FailWithRetryAfter is Fail with a Retry-After header on each failure.
func (s *Server) FailWithRetryAfter(resourceType string, status, times int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[resourceType] = &failure{status: status, remaining: times, retryAfter: retryAfter}
}

// RequireToken rejects requests without "Authorization: Bearer token".
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Hold blocks every request until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release unblocks requests held by Hold.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Requests returns the request URIs received so far, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestsFor counts requests whose path starts with resourceType.
func (s *Server) RequestsFor(resourceType string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, "/"+resourceType+"?") || strings.HasPrefix(r, "/"+resourceType+"/") {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.RequestURI())
	gate, token := s.gate, s.token
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		writeOutcome(w, http.StatusUnauthorized, fhir.IssueTypeLogin, "invalid or missing bearer token")
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	resourceType, id, _ := strings.Cut(path, "/")

	if f := s.takeFailure(resourceType); f != nil {
		if f.retryAfter != "" {
			w.Header().Set("Retry-After", f.retryAfter)
		}
		writeOutcome(w, f.status, fhir.IssueTypeException, fmt.Sprintf("injected failure for %s", resourceType))
		return
	}

	if id != "" {
		s.read(w, resourceType, id)
		return
	}
	s.search(w, r, resourceType)
}

func (s *Server) takeFailure(resourceType string) *failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[resourceType]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	cp := *f
	return &cp
}

func (s *Server) read(w http.ResponseWriter, resourceType, id string) {
	s.mu.Lock()
	p, ok := s.patients[id]
	s.mu.Unlock()
	if resourceType != "Patient" || !ok {
		writeOutcome(w, http.StatusNotFound, fhir.IssueTypeNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	_, _ = w.Write(p)
}

// search pages through the patient's resources with _count and _offset.
// The next link is absolute, as real servers issue them.
func (s *Server) search(w http.ResponseWriter, r *http.Request, resourceType string) {
	q := r.URL.Query()
	patientID := q.Get("patient")
	count, err := strconv.Atoi(q.Get("_count"))
	if err != nil || count < 1 {
		count = 50
	}
	offset, _ := strconv.Atoi(q.Get("_offset"))

	s.mu.Lock()
	all := s.data[patientID][resourceType]
	s.mu.Unlock()

	end := offset + count
	if end > len(all) {
		end = len(all)
	}
	var page []json.RawMessage
	if offset < len(all) {
		page = all[offset:end]
	}

	next := ""
	if end < len(all) {
		nq := url.Values{}
		for k, v := range q {
			nq[k] = v
		}
		nq.Set("_offset", strconv.Itoa(end))
		next = s.URL + "/" + resourceType + "?" + nq.Encode()
	}

	total := len(all)
	bundle := fhir.NewSearchBundle(page, s.URL+r.URL.RequestURI(), next, &total)
	w.Header().Set("Content-Type", "application/fhir+json")
	_ = json.NewEncoder(w).Encode(bundle)
}

func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
