// Package engine implements the three remapping entry points for one
// isolated instance: GetAppInfo collects a snapshot, Init turns it into the
// persisted substitute identity and activates interception, ModifyParams
// derives parameters from the result.
//
// The engine creates no goroutines. Init and Regenerate are serialized;
// ModifyParams and Resolve read the store without locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"idremap/internal/identity"
	"idremap/internal/intercept"
	"idremap/internal/metrics"
	"idremap/internal/modifier"
	"idremap/internal/security"
	"idremap/internal/snapshot"
	"idremap/internal/store"
)

// Options configures an Engine. Store is required.
type Options struct {
	Store *store.Store
	// Kinds enables a subset of the catalog. Empty enables every kind.
	Kinds []identity.Kind
	// Original serves entry points that are not redirected.
	Original intercept.Source
	// Policy restricts the default hooker. Ignored when Hooker is set.
	Policy        intercept.Policy
	Hooker        intercept.Hooker
	MaxSeedLength int
	Logger        *slog.Logger
	Metrics       *metrics.EngineMetrics
	Clock         func() time.Time
}

// Engine is one remapping instance.
type Engine struct {
	store     *store.Store
	kinds     []identity.Kind
	collector *snapshot.Collector
	handles   *snapshot.HandleTable
	generator *identity.Generator
	table     *intercept.Table
	registry  *intercept.Registry
	modifier  *modifier.Modifier
	metrics   *metrics.EngineMetrics
	logger    *slog.Logger

	mu          sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	initStatus  Status
	kindStatus  []intercept.KindStatus
}

// New wires an engine around opts.Store.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = identity.Kinds()
	}

	key, err := opts.Store.Secret().Key(store.PurposeDerive)
	if err != nil {
		return nil, fmt.Errorf("engine: derive key: %w", err)
	}
	gen, err := identity.NewGenerator(key, kinds...)
	security.Wipe(key)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	table := intercept.NewTable(opts.Original)
	regOpts := []intercept.Option{intercept.WithLogger(logger)}
	switch {
	case opts.Hooker != nil:
		regOpts = append(regOpts, intercept.WithHooker(opts.Hooker))
	case opts.Policy != nil:
		regOpts = append(regOpts, intercept.WithPolicy(opts.Policy))
	}

	modOpts := []modifier.Option{modifier.WithLogger(logger)}
	if opts.MaxSeedLength > 0 {
		modOpts = append(modOpts, modifier.WithMaxSeedLength(opts.MaxSeedLength))
	}
	mod, err := modifier.New(opts.Store, modOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewEngineMetrics(nil)
	}

	e := &Engine{
		store: opts.Store,
		kinds: gen.Kinds(),
		collector: snapshot.NewCollector(
			snapshot.WithKinds(kinds...),
			snapshot.WithLogger(logger.With("component", "snapshot")),
			snapshot.WithClock(clock),
		),
		handles:   snapshot.NewHandleTable(),
		generator: gen,
		table:     table,
		registry:  intercept.NewRegistry(table, regOpts...),
		modifier:  mod,
		metrics:   m,
		logger:    logger.With("component", "engine"),
	}
	opts.Store.OnSwap(func(sub *identity.Substitute) {
		m.Generation.Set(int64(sub.Generation()))
	})
	return e, nil
}

// GetAppInfo collects a snapshot of pc and parks it behind the returned
// handle. It never fails; an unusable context yields snapshot.Unavailable.
func (e *Engine) GetAppInfo(ctx context.Context, pc snapshot.ProcessContext) snapshot.Handle {
	if e.closed.Load() {
		return snapshot.Unavailable
	}
	e.metrics.AppInfoTotal.Inc()
	snap := e.collector.Collect(ctx, pc)
	h := e.handles.Put(snap)
	if !h.OK() {
		e.metrics.AppInfoUnavailable.Inc()
		e.logger.WarnContext(ctx, "app info unavailable")
	}
	return h
}

// Inspect returns the availability of every attribute in the snapshot
// behind h without consuming it. Values are not exposed.
func (e *Engine) Inspect(h snapshot.Handle) ([]snapshot.Attribute, error) {
	attrs, ok := e.handles.Inspect(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrUnknownHandle, h)
	}
	return attrs, nil
}

// Init consumes the snapshot behind h, loads or generates the substitute
// identity, persists it and activates interception. Once Init has
// succeeded, later calls return the first status and do nothing else. A
// storage failure leaves the engine uninitialized so the caller may retry.
func (e *Engine) Init(ctx context.Context, h snapshot.Handle) Status {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.metrics.InitDuration.Since(start)
	e.metrics.InitTotal.Inc()

	if e.closed.Load() {
		return e.fail(ctx, StatusNotInitialized, ErrClosed)
	}
	if e.initialized.Load() {
		if snap, err := e.handles.Take(h); err == nil {
			snap.Discard()
		}
		e.logger.DebugContext(ctx, "init repeated", "status", e.initStatus)
		return e.initStatus
	}

	snap, err := e.handles.Take(h)
	if err != nil {
		return e.fail(ctx, StatusInvalidHandle, err)
	}
	defer snap.Discard()

	existing, err := e.store.Load(ctx)
	if err != nil {
		return e.fail(ctx, StatusOf(err), err)
	}
	sub, err := e.generator.Generate(snap, existing)
	if err != nil {
		return e.fail(ctx, StatusInternal, err)
	}
	if err := e.store.Save(ctx, sub); err != nil {
		return e.fail(ctx, StatusOf(err), err)
	}

	var register []identity.Kind
	for _, k := range e.kinds {
		if sub.Has(k) {
			register = append(register, k)
		}
	}
	statuses, err := e.registry.Register(register, e.store)
	if err != nil {
		return e.fail(ctx, StatusInternal, err)
	}
	if err := e.registry.Activate(); err != nil {
		return e.fail(ctx, StatusInternal, err)
	}

	e.kindStatus = e.mergeStatus(statuses, snap, sub)
	status, active, inactive := e.classify()
	e.initStatus = status
	e.initialized.Store(true)

	e.metrics.ActiveKinds.Set(int64(active))
	e.metrics.InactiveKinds.Set(int64(inactive))
	if !status.OK() {
		e.metrics.InitFailures.Inc()
	}
	e.logger.InfoContext(ctx, "initialized",
		"status", status,
		"generation", sub.Generation(),
		"active_kinds", active,
		"inactive_kinds", inactive,
		"reused", existing != nil && sub == existing,
	)
	return status
}

func (e *Engine) fail(ctx context.Context, s Status, err error) Status {
	e.metrics.InitFailures.Inc()
	e.logger.ErrorContext(ctx, "init failed", "status", s, "error", err)
	return s
}

// mergeStatus reports enabled kinds that have no substitute with the reason
// their real attribute was missing.
func (e *Engine) mergeStatus(statuses []intercept.KindStatus, snap *snapshot.Snapshot, sub *identity.Substitute) []intercept.KindStatus {
	enabled := make(map[identity.Kind]bool, len(e.kinds))
	for _, k := range e.kinds {
		enabled[k] = true
	}
	out := make([]intercept.KindStatus, 0, len(statuses))
	for _, st := range statuses {
		if enabled[st.Kind] && !sub.Has(st.Kind) {
			reason := snap.Attribute(st.Kind).Reason
			if reason == snapshot.ReasonNone {
				reason = snapshot.ReasonUnavailable
			}
			st = intercept.KindStatus{Kind: st.Kind, Reason: string(reason)}
		}
		out = append(out, st)
	}
	return out
}

// classify derives the Init status. Kinds the platform simply lacks do not
// make the result partial; denied attributes and failed hooks do. With no
// active kind the result is permission-denied only when something was
// actually refused.
func (e *Engine) classify() (status Status, active, inactive int) {
	degraded := false
	for _, st := range e.kindStatus {
		if st.Reason == intercept.ReasonNotRequested {
			continue
		}
		if st.Active {
			active++
			continue
		}
		inactive++
		if st.Reason != string(snapshot.ReasonUnavailable) && st.Reason != intercept.ReasonNoEntryPoints {
			degraded = true
		}
	}
	switch {
	case active == 0 && degraded:
		return StatusPermissionDenied, active, inactive
	case active == 0:
		return StatusUnavailable, active, inactive
	case degraded:
		return StatusPartial, active, inactive
	default:
		return StatusOK, active, inactive
	}
}

// ModifyParams derives the parameter for seed from the current identity.
func (e *Engine) ModifyParams(seed string) Result {
	start := time.Now()
	defer e.metrics.ModifyDuration.Since(start)
	e.metrics.ModifyTotal.Inc()

	if !e.initialized.Load() || e.closed.Load() {
		e.metrics.ModifyErrors.Inc()
		return Result{Status: StatusNotInitialized, Err: ErrNotInitialized}
	}
	v, err := e.modifier.Modify(seed)
	if err != nil {
		e.metrics.ModifyErrors.Inc()
		return Result{Status: StatusOf(err), Err: err}
	}
	return Result{Value: v, Status: StatusOK}
}

// Resolve returns what an intercepted lookup of k yields.
func (e *Engine) Resolve(ctx context.Context, k identity.Kind) (string, error) {
	if !e.initialized.Load() || e.closed.Load() {
		return "", ErrNotInitialized
	}
	e.metrics.ResolveTotal.Inc()
	return e.registry.Resolve(ctx, k)
}

// Lookup resolves a kind name or alias, such as "Build.SERIAL".
func (e *Engine) Lookup(ctx context.Context, name string) (string, error) {
	k, ok := identity.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", identity.ErrUnknownKind, name)
	}
	return e.Resolve(ctx, k)
}

// Regenerate replaces the identity with a fresh one derived from the
// snapshot behind h under the next generation. Active redirects see the new
// values at once. Kinds that were not registered at Init stay inactive.
func (e *Engine) Regenerate(ctx context.Context, h snapshot.Handle) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() || e.closed.Load() {
		return StatusNotInitialized
	}
	snap, err := e.handles.Take(h)
	if err != nil {
		return StatusInvalidHandle
	}
	defer snap.Discard()

	next, err := e.generator.Regenerate(snap, e.store.Current())
	if err != nil {
		e.logger.ErrorContext(ctx, "regenerate failed", "error", err)
		return StatusInternal
	}
	if err := e.store.Save(ctx, next); err != nil {
		e.logger.ErrorContext(ctx, "regenerate failed", "error", err)
		return StatusOf(err)
	}
	e.metrics.RegenerationsTotal.Inc()
	e.logger.InfoContext(ctx, "identity regenerated", "generation", next.Generation())
	return StatusOK
}

// Identity returns the current substitute identity, nil before Init.
func (e *Engine) Identity() *identity.Substitute {
	if !e.initialized.Load() {
		return nil
	}
	return e.store.Current()
}

// Interception reports every cataloged kind as of the last Init.
func (e *Engine) Interception() []intercept.KindStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kindStatus == nil {
		return e.registry.Status()
	}
	return append([]intercept.KindStatus(nil), e.kindStatus...)
}

// Initialized reports whether Init has completed.
func (e *Engine) Initialized() bool { return e.initialized.Load() }

// Healthy returns nil once the engine is initialized and open.
func (e *Engine) Healthy() error {
	switch {
	case e.closed.Load():
		return ErrClosed
	case !e.initialized.Load():
		return ErrNotInitialized
	}
	return nil
}

// Close removes every redirect, wipes pending snapshots and closes the
// store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}
	e.handles.Purge()
	return errors.Join(e.registry.Close(), e.store.Close())
}
