// Package telemetry records import and HTTP metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Metric names. Label values are joined into the store key with "|".
const (
	metricRequestDuration = "http_server_request_duration_seconds"
	metricActiveRequests  = "http_server_active_requests"
	metricRuns            = "fhir_import_runs_total"
	metricActiveRuns      = "fhir_import_active_runs"
	metricResources       = "fhir_import_resources_total"
	metricErrors          = "fhir_import_errors_total"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// ---------------------------------------------------------------------------
// Counter store, keyed by metric name and label values
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// withPrefix returns the label values and counts of every key of one metric,
// sorted by key.
func (s *counterStore) withPrefix(name string) ([][]string, []int64) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, name+"|") {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	labels := make([][]string, len(keys))
	values := make([]int64, len(keys))
	for i, k := range keys {
		labels[i] = strings.Split(k, "|")[1:]
		values[i] = s.get(k)
	}
	return labels, values
}

func key(name string, labels ...string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics is the metrics registry of one process. The zero value is not
// usable; call NewMetrics. A nil *Metrics ignores every recording call.
type Metrics struct {
	counters *counterStore
	gauges   *counterStore

	histMu     sync.RWMutex
	histograms map[string]*histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   newCounterStore(),
		gauges:     newCounterStore(),
		histograms: make(map[string]*histogram),
	}
}

// RunStarted counts an import run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.gauges.add(key(metricActiveRuns), 1)
}

// RunFinished records the final status of a run started with RunStarted.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.gauges.add(key(metricActiveRuns), -1)
	m.counters.add(key(metricRuns, status), 1)
}

// ResourcesFetched adds n fetched resources of one type.
func (m *Metrics) ResourcesFetched(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.counters.add(key(metricResources, resourceType), int64(n))
}

// ImportError counts one recorded import error.
func (m *Metrics) ImportError(resourceType string, recoverable bool) {
	if m == nil {
		return
	}
	m.counters.add(key(metricErrors, resourceType, strconv.FormatBool(recoverable)), 1)
}

// Counter returns the current value of a counter, mainly for tests.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	return m.counters.get(key(name, labels...))
}

// Gauge returns the current value of a gauge.
func (m *Metrics) Gauge(name string) int64 {
	return m.gauges.get(key(name))
}

func (m *Metrics) histogram(labels string) *histogram {
	m.histMu.RLock()
	h, ok := m.histograms[labels]
	m.histMu.RUnlock()
	if ok {
		return h
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	if h, ok = m.histograms[labels]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.histograms[labels] = h
	}
	return h
}

// Middleware records request duration by method, route and status code, and
// the number of requests in flight.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.gauges.add(key(metricActiveRequests), 1)
			start := time.Now()

			err := next(c)

			m.gauges.add(key(metricActiveRequests), -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q",
				c.Request().Method, route, strconv.Itoa(c.Response().Status))
			m.histogram(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.writeTo(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) writeTo(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", metricRequestDuration)
	fmt.Fprintf(b, "# TYPE %s histogram\n", metricRequestDuration)
	m.histMu.RLock()
	labelSets := make([]string, 0, len(m.histograms))
	for l := range m.histograms {
		labelSets = append(labelSets, l)
	}
	m.histMu.RUnlock()
	sort.Strings(labelSets)
	for _, l := range labelSets {
		writeHistogram(b, metricRequestDuration, l, m.histogram(l))
	}
	b.WriteByte('\n')

	writeGauge(b, metricActiveRequests, "Number of HTTP requests in flight.", m.Gauge(metricActiveRequests))
	writeGauge(b, metricActiveRuns, "Number of import runs in flight.", m.Gauge(metricActiveRuns))

	writeCounter(b, m.counters, metricRuns, "Finished import runs by final status.", "status")
	writeCounter(b, m.counters, metricResources, "Fetched resources by resource type.", "resource_type")
	writeCounter(b, m.counters, metricErrors, "Recorded import errors by resource type.", "resource_type", "recoverable")
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
}

func writeCounter(b *strings.Builder, s *counterStore, name, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	labels, values := s.withPrefix(name)
	for i, lv := range labels {
		pairs := make([]string, 0, len(labelNames))
		for j, ln := range labelNames {
			if j < len(lv) {
				pairs = append(pairs, fmt.Sprintf("%s=%q", ln, lv[j]))
			}
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), values[i])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}
