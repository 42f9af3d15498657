package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idremap/internal/identity"
)

// ProcessContext is the opaque application context handed to GetAppInfo.
// Any accessor may fail; an error wrapping identity.ErrPermissionDenied marks
// the attribute as denied, any other error marks it unavailable.
type ProcessContext interface {
	PackageName() (string, error)
	Signatures() ([][]byte, error)
	InstallTimes() (first, last time.Time, err error)
	Attribute(ctx context.Context, k identity.Kind) (string, error)
}

// Collector builds snapshots from a ProcessContext.
type Collector struct {
	kinds  []identity.Kind
	logger *slog.Logger
	now    func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithKinds restricts collection to the given kinds.
func WithKinds(kinds ...identity.Kind) CollectorOption {
	return func(c *Collector) { c.kinds = append([]identity.Kind(nil), kinds...) }
}

func WithLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		kinds:  identity.Kinds(),
		logger: slog.Default().With("component", "snapshot"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collect captures a snapshot. It never fails because attributes are
// missing; a nil context or one without a package name yields a snapshot
// that is not Valid.
func (c *Collector) Collect(ctx context.Context, pc ProcessContext) *Snapshot {
	s := &Snapshot{
		capturedAt: c.now(),
		attrs:      make(map[identity.Kind]Attribute, len(c.kinds)),
	}
	if pc == nil {
		c.logger.WarnContext(ctx, "collect called without a process context")
		return s
	}

	name, err := pc.PackageName()
	if err != nil {
		c.logger.WarnContext(ctx, "package name unavailable", "error", err)
	}
	s.packageName = name

	if sigs, err := pc.Signatures(); err != nil {
		c.logger.DebugContext(ctx, "signatures unavailable", "error", err)
	} else {
		for _, sig := range sigs {
			if len(sig) > 0 {
				s.signatures = append(s.signatures, append([]byte(nil), sig...))
			}
		}
	}

	if first, last, err := pc.InstallTimes(); err != nil {
		c.logger.DebugContext(ctx, "install times unavailable", "error", err)
	} else {
		s.firstInstall, s.lastUpdate = first, last
	}

	for _, k := range c.kinds {
		if k == identity.KindInstallID {
			s.attrs[k] = c.installID(s)
			continue
		}
		v, err := pc.Attribute(ctx, k)
		s.attrs[k] = classify(k, v, err)
	}

	c.logger.DebugContext(ctx, "snapshot collected",
		"package", s.packageName,
		"signatures", len(s.signatures),
		"available", len(s.Available()),
	)
	return s
}

// installID is sourced from the package name and first install time, which
// together identify one installation.
func (c *Collector) installID(s *Snapshot) Attribute {
	if s.packageName == "" || s.firstInstall.IsZero() {
		return Attribute{Kind: identity.KindInstallID, Reason: ReasonUnavailable}
	}
	return Attribute{
		Kind:    identity.KindInstallID,
		Value:   fmt.Sprintf("%s@%d", s.packageName, s.firstInstall.UnixMilli()),
		Present: true,
	}
}

func classify(k identity.Kind, v string, err error) Attribute {
	switch {
	case errors.Is(err, identity.ErrPermissionDenied):
		return Attribute{Kind: k, Reason: ReasonPermissionDenied}
	case err != nil, v == "":
		return Attribute{Kind: k, Reason: ReasonUnavailable}
	default:
		return Attribute{Kind: k, Value: v, Present: true}
	}
}
