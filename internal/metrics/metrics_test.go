package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test")
	c := r.Counter("calls_total", "calls", nil)
	c.Inc()
	c.Add(2)
	if c.Value() != 3 {
		t.Errorf("counter = %d", c.Value())
	}
	if r.Counter("calls_total", "calls", nil) != c {
		t.Error("re-registering must return the existing counter")
	}

	g := r.Gauge("kinds", "kinds", Labels{"state": "active"})
	g.Set(5)
	g.Dec()
	if g.Value() != 4 {
		t.Errorf("gauge = %d", g.Value())
	}
}

func TestRegisterTypeMismatchPanics(t *testing.T) {
	r := NewRegistry("")
	r.Counter("x", "x", nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.Gauge("x", "x", nil)
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("lat", "latency", nil, []float64{1, 2, 5})
	for _, v := range []float64{0.5, 1, 1.5, 10} {
		h.Observe(v)
	}
	if h.Count() != 4 || h.Sum() != 13 {
		t.Errorf("count=%d sum=%v", h.Count(), h.Sum())
	}

	var buf bytes.Buffer
	h.writePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		`lat_bucket{le="1"} 2`,
		`lat_bucket{le="2"} 3`,
		`lat_bucket{le="5"} 3`,
		`lat_bucket{le="+Inf"} 4`,
		`lat_count 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWritePrometheusSorted(t *testing.T) {
	r := NewRegistry("idremap")
	r.Gauge("b", "b", nil).Set(1)
	r.Counter("a", "a", Labels{"kind": "serial"}).Inc()

	var buf bytes.Buffer
	if err := r.WritePrometheus(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "idremap_a") > strings.Index(out, "idremap_b") {
		t.Errorf("metrics not sorted:\n%s", out)
	}
	if !strings.Contains(out, `idremap_a{kind="serial"} 1`) {
		t.Errorf("labels missing:\n%s", out)
	}
}

func TestEngineMetricsRegistered(t *testing.T) {
	m := NewEngineMetrics(NewRegistry("idremap"))
	m.InitTotal.Inc()
	m.ActiveKinds.Set(3)

	var buf bytes.Buffer
	if err := m.Registry().WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["idremap_init_total"] != float64(1) || got["idremap_active_kinds"] != float64(3) {
		t.Errorf("json = %v", got)
	}
}

func TestRouter(t *testing.T) {
	r := NewRegistry("idremap")
	r.Counter("hits_total", "hits", nil).Inc()

	healthy := true
	mux := NewRouter(r, func() error {
		if !healthy {
			return errors.New("store closed")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "idremap_hits_total 1") {
		t.Errorf("metrics: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "store closed") {
		t.Errorf("unhealthy healthz = %d %s", rec.Code, rec.Body.String())
	}
}
