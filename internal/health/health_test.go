package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"idremap/internal/identity"
	"idremap/internal/intercept"
)

func TestCheckAggregation(t *testing.T) {
	c := NewChecker()
	c.Register("engine", true, ErrCheck(func() error { return nil }))
	c.Register("optional", false, ErrCheck(func() error { return errors.New("flaky") }))

	r := c.Check(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", r.Status)
	}
	if c.Err() != nil {
		t.Errorf("non-critical failure should not fail Err: %v", c.Err())
	}

	c.Register("engine", true, ErrCheck(func() error { return errors.New("closed") }))
	if r := c.Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", r.Status)
	}
	if err := c.Err(); err == nil || !strings.Contains(err.Error(), "engine") {
		t.Errorf("Err = %v", err)
	}
}

func TestPanickingCheck(t *testing.T) {
	c := NewChecker()
	c.Register("boom", true, func(context.Context) CheckResult { panic("bad") })
	r := c.Check(context.Background())
	if r.Status != StatusUnhealthy || r.Components["boom"].Error != "bad" {
		t.Errorf("report = %+v", r)
	}
}

func TestInterceptionCheck(t *testing.T) {
	statuses := []intercept.KindStatus{
		{Kind: identity.KindSerial, Active: true},
		{Kind: identity.KindIMEI, Reason: "unavailable"},
	}
	check := InterceptionCheck(func() []intercept.KindStatus { return statuses })

	if res := check(context.Background()); res.Status != StatusHealthy {
		t.Errorf("unavailable kinds should not degrade: %+v", res)
	}

	statuses = append(statuses, intercept.KindStatus{Kind: identity.KindNetworkAddress, Reason: intercept.ReasonPermissionDenied})
	if res := check(context.Background()); res.Status != StatusDegraded {
		t.Errorf("denied kind should degrade: %+v", res)
	}

	statuses = statuses[1:2]
	if res := check(context.Background()); res.Status != StatusUnhealthy {
		t.Errorf("no active kind should be unhealthy: %+v", res)
	}
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	healthy := true
	c.Register("engine", true, ErrCheck(func() error {
		if healthy {
			return nil
		}
		return errors.New("not initialized")
	}))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
	var r Report
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusHealthy || r.Components["engine"].Status != StatusHealthy {
		t.Errorf("report = %+v", r)
	}

	healthy = false
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
}
