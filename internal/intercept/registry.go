package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"idremap/internal/identity"
)

var (
	ErrNotActive         = errors.New("intercept: registry not active")
	ErrNotRegistered     = errors.New("intercept: registry not registered")
	ErrAlreadyRegistered = errors.New("intercept: already registered")
	// ErrNoSubstitute is returned for an active kind the provider has no
	// value for. The real value is never substituted in its place.
	ErrNoSubstitute = errors.New("intercept: no substitute for kind")
)

// State is the registry lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateRegistered
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Inactivity reasons reported by KindStatus.
const (
	ReasonPermissionDenied = "permission-denied"
	ReasonHookFailed       = "hook-failed"
	ReasonNoEntryPoints    = "no-entry-points"
	ReasonNotRequested     = "not-requested"
)

// Provider supplies substitute values. store.Store implements it.
type Provider interface {
	Get(k identity.Kind) (string, bool)
}

// Registration links one entry point to the provider.
type Registration struct {
	EntryPoint EntryPoint
	Kind       identity.Kind
}

// KindStatus reports whether a kind is intercepted.
type KindStatus struct {
	Kind   identity.Kind
	Active bool
	Reason string
	Err    error
}

// Registry owns the lifecycle of every redirect.
type Registry struct {
	table  *Table
	hooker Hooker
	logger *slog.Logger

	mu            sync.Mutex
	state         atomic.Int32
	provider      Provider
	status        map[identity.Kind]KindStatus
	registrations []Registration
}

// Option configures a Registry.
type Option func(*Registry)

// WithHooker replaces the default TableHooker.
func WithHooker(h Hooker) Option {
	return func(r *Registry) { r.hooker = h }
}

// WithPolicy restricts the default TableHooker.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.hooker = &TableHooker{Table: r.table, Policy: p} }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an Uninitialized registry over table.
func NewRegistry(table *Table, opts ...Option) *Registry {
	r := &Registry{
		table:  table,
		logger: slog.Default(),
		status: make(map[identity.Kind]KindStatus),
	}
	r.hooker = &TableHooker{Table: table}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "intercept")
	return r
}

// State returns the current lifecycle state.
func (r *Registry) State() State { return State(r.state.Load()) }

// Register installs redirects for kinds, backed by p. A kind is active only
// if every one of its entry points was hooked; otherwise the hooks already
// installed for it are removed again and it stays on real values.
func (r *Registry) Register(kinds []identity.Kind, p Provider) ([]KindStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateUninitialized {
		return nil, ErrAlreadyRegistered
	}
	if p == nil {
		return nil, errors.New("intercept: nil provider")
	}
	r.provider = p

	for _, k := range kinds {
		st := r.registerKind(k)
		r.status[k] = st
		if !st.Active {
			r.logger.Warn("kind not intercepted", "kind", k, "reason", st.Reason, "error", st.Err)
		}
	}
	r.state.Store(int32(StateRegistered))
	r.logger.Debug("registered", "kinds", len(kinds), "entry_points", len(r.registrations))
	return r.statusLocked(), nil
}

func (r *Registry) registerKind(k identity.Kind) KindStatus {
	eps := EntryPoints(k)
	if len(eps) == 0 {
		return KindStatus{Kind: k, Reason: ReasonNoEntryPoints}
	}
	var installed []EntryPoint
	for _, ep := range eps {
		if err := r.hooker.Install(ep, r.redirect(k, ep)); err != nil {
			for _, done := range installed {
				if rerr := r.hooker.Remove(done); rerr != nil {
					r.logger.Error("rollback failed", "entry_point", done, "error", rerr)
				}
			}
			reason := ReasonHookFailed
			if errors.Is(err, ErrPermissionDenied) {
				reason = ReasonPermissionDenied
			}
			return KindStatus{Kind: k, Reason: reason, Err: err}
		}
		installed = append(installed, ep)
	}
	for _, ep := range installed {
		r.registrations = append(r.registrations, Registration{EntryPoint: ep, Kind: k})
	}
	return KindStatus{Kind: k, Active: true}
}

// redirect passes through to the original until the registry is Active.
func (r *Registry) redirect(k identity.Kind, ep EntryPoint) Impl {
	return func(ctx context.Context) (string, error) {
		if r.State() != StateActive {
			return r.table.Original(ctx, ep)
		}
		v, ok := r.provider.Get(k)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoSubstitute, k)
		}
		return v, nil
	}
}

// Activate enables the installed redirects. Activating an active registry
// is a no-op.
func (r *Registry) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case StateRegistered:
		r.state.Store(int32(StateActive))
		return nil
	case StateActive:
		return nil
	default:
		return ErrNotRegistered
	}
}

// Resolve returns what a caller of k's first entry point sees: the
// substitute for active kinds, the real value for the rest.
func (r *Registry) Resolve(ctx context.Context, k identity.Kind) (string, error) {
	if r.State() != StateActive {
		return "", ErrNotActive
	}
	eps := EntryPoints(k)
	if len(eps) == 0 {
		return "", fmt.Errorf("%w: %q", identity.ErrUnknownKind, string(k))
	}
	return r.table.Call(ctx, eps[0])
}

// Active reports whether k is intercepted.
func (r *Registry) Active(k identity.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[k].Active
}

// Status reports every cataloged kind, sorted. Kinds never passed to
// Register are inactive with ReasonNotRequested.
func (r *Registry) Status() []KindStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Registry) statusLocked() []KindStatus {
	out := make([]KindStatus, 0, len(identity.Kinds()))
	for _, k := range identity.Kinds() {
		st, ok := r.status[k]
		if !ok {
			st = KindStatus{Kind: k, Reason: ReasonNotRequested}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Registrations lists the installed entry point links.
func (r *Registry) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Registration(nil), r.registrations...)
}

// Close removes every redirect. The registry cannot be reused.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateClosed {
		return nil
	}
	var errs []error
	for _, reg := range r.registrations {
		if err := r.hooker.Remove(reg.EntryPoint); err != nil {
			errs = append(errs, err)
		}
	}
	r.registrations = nil
	r.state.Store(int32(StateClosed))
	return errors.Join(errs...)
}
