package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventInit         AuditEventType = "init"
	AuditEventRegenerate   AuditEventType = "regenerate"
	AuditEventClear        AuditEventType = "clear"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent records one identity lifecycle change. It never carries
// identifier values, real or substitute.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	Package    string         `json:"package,omitempty"`
	Action     string         `json:"action"`
	Result     string         `json:"result"` // "success", "partial", "failure", "denied"
	Generation uint64         `json:"generation,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditLogger appends AuditEvents as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	now       func() time.Time
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// OpenAuditLog opens a rotating audit file at path.
func OpenAuditLog(path, component string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     365,
		Compress:   true,
	}
	a := NewAuditLogger(f, component)
	a.closer = f
	return a, nil
}

// Log writes an audit event. Detail keys that look sensitive are redacted.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	for k := range event.Details {
		if shouldRedact(k) {
			event.Details[k] = Redacted
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogInit records an Init call and the per-kind outcome counts.
func (a *AuditLogger) LogInit(ctx context.Context, pkg, status string, active, inactive int) error {
	result := "success"
	switch status {
	case "partial":
		result = "partial"
	case "permission-denied":
		result = "denied"
	case "ok":
	default:
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventInit,
		Package:   pkg,
		Action:    "init",
		Result:    result,
		Details:   map[string]any{"status": status, "active": active, "inactive": inactive},
	})
}

// LogRegenerate records a substitute rotation.
func (a *AuditLogger) LogRegenerate(ctx context.Context, pkg string, generation uint64, err error) error {
	ev := AuditEvent{
		EventType:  AuditEventRegenerate,
		Package:    pkg,
		Action:     "regenerate",
		Result:     "success",
		Generation: generation,
	}
	if err != nil {
		ev.Result = "failure"
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogConfigChange records a changed setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_change",
		Result:    "success",
		Details:   map[string]any{"setting": setting, "old": oldValue, "new": newValue},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// LogStartup records process start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "startup",
		Result:    "success",
		Details:   map[string]any{"version": version},
	})
}

// LogShutdown records process exit.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "shutdown",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
