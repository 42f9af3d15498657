// Package health aggregates component checks behind a readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"idremap/internal/intercept"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Check is a health check function.
type Check func(ctx context.Context) CheckResult

type component struct {
	name     string
	critical bool
	check    Check
}

// Checker runs registered checks in registration order. A critical
// component that is unhealthy makes the whole report unhealthy; anything
// else that is not healthy degrades it.
type Checker struct {
	mu         sync.RWMutex
	components []component
	startTime  time.Time
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{startTime: time.Now()}
}

// Register adds or replaces the check for name.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.components {
		if c.components[i].name == name {
			c.components[i] = component{name, critical, check}
			return
		}
	}
	c.components = append(c.components, component{name, critical, check})
}

// Report is the aggregated outcome of one Check call.
type Report struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Check runs every check once.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	components := append([]component(nil), c.components...)
	c.mu.RUnlock()

	r := Report{
		Status:     StatusHealthy,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Components: make(map[string]CheckResult, len(components)),
		Timestamp:  time.Now().UTC(),
	}
	for _, comp := range components {
		res := run(ctx, comp.check)
		r.Components[comp.name] = res
		switch {
		case res.Status == StatusHealthy:
		case res.Status == StatusUnhealthy && comp.critical:
			r.Status = StatusUnhealthy
		case r.Status == StatusHealthy:
			r.Status = StatusDegraded
		}
	}
	return r
}

func run(ctx context.Context, check Check) (res CheckResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
		}
		res.Duration = time.Since(start)
	}()
	return check(ctx)
}

// Err returns nil unless a critical component is unhealthy.
func (c *Checker) Err() error {
	r := c.Check(context.Background())
	if r.Status != StatusUnhealthy {
		return nil
	}
	var failed []string
	for name, res := range r.Components {
		if res.Status == StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return fmt.Errorf("health: unhealthy: %s", strings.Join(failed, ", "))
}

// Handler serves the report as JSON, with 503 when unhealthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}

// ErrCheck adapts a func that returns nil when healthy.
func ErrCheck(fn func() error) Check {
	return func(context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// InterceptionCheck is degraded when any kind was denied or failed to hook.
// Kinds that were simply unavailable on this device do not count.
func InterceptionCheck(statuses func() []intercept.KindStatus) Check {
	return func(context.Context) CheckResult {
		active := 0
		var degraded []string
		for _, st := range statuses() {
			switch {
			case st.Active:
				active++
			case st.Reason == intercept.ReasonPermissionDenied, st.Reason == intercept.ReasonHookFailed:
				degraded = append(degraded, string(st.Kind))
			}
		}
		res := CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{"active": active},
		}
		if active == 0 {
			res.Status = StatusUnhealthy
			res.Message = "no kind is intercepted"
		} else if len(degraded) > 0 {
			res.Status = StatusDegraded
			res.Message = "some kinds are not intercepted"
			res.Details["inactive"] = degraded
		}
		return res
	}
}
