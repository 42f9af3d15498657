// Package metrics provides Prometheus-compatible metrics for idremap.
//
// Counters, gauges and histograms are lock-free or finely locked and safe to
// update from any goroutine. A Registry renders them in the Prometheus text
// exposition format or as JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels are constant labels attached to one metric.
type Labels map[string]string

// String renders labels as {k="v",...} in key order.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

type metric interface {
	Name() string
	Type() MetricType
	writePrometheus(w io.Writer)
	jsonValue() any
}

type desc struct {
	name   string
	help   string
	labels Labels
}

func (d desc) Name() string { return d.name }
func (d desc) Help() string { return d.help }

func (d desc) header(w io.Writer, t MetricType) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, t)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Uint64
}

func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{desc: desc{name, help, labels}}
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(v uint64) { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) writePrometheus(w io.Writer) {
	c.header(w, TypeCounter)
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}

func (c *Counter) jsonValue() any { return c.Value() }

// Gauge is a value that can go up and down.
type Gauge struct {
	desc
	value atomic.Int64
}

func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{desc: desc{name, help, labels}}
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Add(v int64) { g.value.Add(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) writePrometheus(w io.Writer) {
	g.header(w, TypeGauge)
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}

func (g *Gauge) jsonValue() any { return g.Value() }

// DurationBuckets are histogram buckets for operation latency in seconds.
var DurationBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	desc
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{
		desc:    desc{name, help, labels},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records v in the first bucket whose bound is >= v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) { h.ObserveDuration(time.Since(start)) }

func (h *Histogram) Type() MetricType { return TypeHistogram }

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) writePrometheus(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header(w, TypeHistogram)

	prefix := "{"
	if s := h.labels.String(); s != "" {
		prefix = s[:len(s)-1] + ","
	}
	var cum uint64
	for i, b := range h.buckets {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket%sle=\"%g\"} %d\n", h.name, prefix, b, cum)
	}
	cum += h.counts[len(h.buckets)]
	fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, cum)
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
}

func (h *Histogram) jsonValue() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{"sum": h.sum, "count": h.count}
}

// Registry holds metrics under one namespace.
type Registry struct {
	namespace string

	mu      sync.RWMutex
	metrics map[string]metric
}

func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, metrics: make(map[string]metric)}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register returns the existing metric of that name or stores m.
func register[M metric](r *Registry, name string, create func(full string) M) M {
	full := r.fullName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.metrics[full]; ok {
		if m, ok := existing.(M); ok {
			return m
		}
		panic(fmt.Sprintf("metrics: %s registered with a different type", full))
	}
	m := create(full)
	r.metrics[full] = m
	return m
}

func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter { return NewCounter(full, help, labels) })
}

func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge { return NewGauge(full, help, labels) })
}

func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return register(r, name, func(full string) *Histogram { return NewHistogram(full, help, labels, buckets) })
}

func (r *Registry) sorted() []metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WritePrometheus writes every metric in the text exposition format,
// sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	for _, m := range r.sorted() {
		m.writePrometheus(w)
	}
	return nil
}

// WriteJSON writes name -> value pairs.
func (r *Registry) WriteJSON(w io.Writer) error {
	out := make(map[string]any)
	for _, m := range r.sorted() {
		out[m.Name()] = m.jsonValue()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
