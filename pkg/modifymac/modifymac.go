// Package modifymac exposes one process-wide remapping engine through the
// integer contract native callers expect:
//
//	h := modifymac.GetAppInfo(ctx)   // snapshot handle, negative if unusable
//	s := modifymac.Init(h)           // 0 ok, 1 partial, negative on failure
//	v := modifymac.ModifyParams(seed) // derived value, negative sentinel on failure
//
// Setup must run first. Calls before Setup return the not-initialized code,
// except Init after a Setup that failed to open storage, which returns the
// storage-failure code. No entry point panics; a recovered panic yields the
// internal-error code.
package modifymac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"idremap/internal/config"
	"idremap/internal/engine"
	"idremap/internal/intercept"
	"idremap/internal/metrics"
	"idremap/internal/snapshot"
	"idremap/internal/store"
	"idremap/internal/tpm"
)

// ProcessContext is what GetAppInfo reads the calling app's metadata from.
type ProcessContext = snapshot.ProcessContext

// Status codes returned by the entry points.
const (
	OK               = int32(engine.StatusOK)
	Partial          = int32(engine.StatusPartial)
	PermissionDenied = int32(engine.StatusPermissionDenied)
	StorageFailure   = int32(engine.StatusStorage)
	InvalidHandle    = int32(engine.StatusInvalidHandle)
	NotInitialized   = int32(engine.StatusNotInitialized)
	InvalidInput     = int32(engine.StatusInvalidInput)
	InternalError    = int32(engine.StatusInternal)
	Unavailable      = int32(engine.StatusUnavailable)
)

// ErrAlreadySetup is returned by a second Setup without Reset.
var ErrAlreadySetup = errors.New("modifymac: already set up")

var (
	setupMu sync.Mutex
	current atomic.Pointer[engine.Engine]
	logger  atomic.Pointer[slog.Logger]
)

// setupFailure is the status Init reports after a failed Setup.
var setupFailure atomic.Int32

type options struct {
	cfg      *config.Config
	st       *store.Store
	dataDir  string
	pkg      string
	memory   bool
	logger   *slog.Logger
	original intercept.Source
	hooker   intercept.Hooker
	metrics  *metrics.EngineMetrics
}

// Option configures Setup and NewEngine.
type Option func(*options)

// WithConfig uses cfg instead of config.DefaultConfig().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithStore uses an already opened store; storage settings are ignored.
func WithStore(st *store.Store) Option {
	return func(o *options) { o.st = st }
}

// WithDataDir overrides storage.data_dir.
func WithDataDir(dir string) Option {
	return func(o *options) { o.dataDir = dir }
}

// WithPackage overrides storage.package, the install the identity belongs to.
func WithPackage(pkg string) Option {
	return func(o *options) { o.pkg = pkg }
}

// WithMemoryStore keeps the identity in memory only.
func WithMemoryStore() Option {
	return func(o *options) { o.memory = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOriginal sets the source of un-redirected entry point results.
func WithOriginal(src intercept.Source) Option {
	return func(o *options) { o.original = src }
}

// WithHooker replaces the default table hooker.
func WithHooker(h intercept.Hooker) Option {
	return func(o *options) { o.hooker = h }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewEngine builds an engine from the options without installing it as the
// process-wide instance.
func NewEngine(opts ...Option) (*engine.Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.pkg != "" {
		cfg.Storage.Package = o.pkg
	}
	if o.memory {
		cfg.Storage.Backend = store.BackendMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("modifymac: %w", err)
	}

	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	kinds, err := cfg.EnabledKinds()
	if err != nil {
		return nil, fmt.Errorf("modifymac: %w", err)
	}
	denied, err := cfg.DeniedKinds()
	if err != nil {
		return nil, fmt.Errorf("modifymac: %w", err)
	}

	st := o.st
	if st == nil {
		st, err = store.Open(store.Options{
			Backend:     cfg.Storage.Backend,
			DataDir:     cfg.Storage.DataDir,
			Package:     cfg.Storage.Package,
			BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond,
			Entropy:     entropy(cfg.Hardware, log),
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
	}

	eopts := engine.Options{
		Store:         st,
		Kinds:         kinds,
		Original:      o.original,
		Hooker:        o.hooker,
		MaxSeedLength: cfg.Modifier.MaxSeedLength,
		Logger:        log,
		Metrics:       o.metrics,
	}
	if len(denied) > 0 {
		eopts.Policy = intercept.DenyKinds(denied)
	}
	e, err := engine.New(eopts)
	if err != nil {
		if o.st == nil {
			st.Close()
		}
		return nil, err
	}
	return e, nil
}

func entropy(hw config.HardwareConfig, log *slog.Logger) tpm.Provider {
	if !hw.TPMEnabled {
		return nil
	}
	p := tpm.Detect(hw.TPMPath)
	if p == nil {
		log.Warn("tpm requested but not available", "path", hw.TPMPath)
		return nil
	}
	return p
}

// Setup creates the process-wide engine. It succeeds once; later calls
// return ErrAlreadySetup until Reset.
func Setup(opts ...Option) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if current.Load() != nil {
		return ErrAlreadySetup
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		logger.Store(o.logger)
	}

	e, err := NewEngine(opts...)
	if err != nil {
		if engine.StatusOf(err) == engine.StatusStorage {
			setupFailure.Store(StorageFailure)
		}
		return err
	}
	setupFailure.Store(0)
	current.Store(e)
	return nil
}

// Engine returns the process-wide engine, nil before Setup.
func Engine() *engine.Engine { return current.Load() }

// Reset closes and forgets the process-wide engine. Intended for tests.
func Reset() error {
	setupMu.Lock()
	defer setupMu.Unlock()
	e := current.Swap(nil)
	logger.Store(nil)
	setupFailure.Store(0)
	if e == nil {
		return nil
	}
	return e.Close()
}

func entryLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// guard converts a panic in an entry point into InternalError.
func guard(op string, out *int32) {
	if r := recover(); r != nil {
		entryLogger().Error("entry point panicked", "op", op, "panic", fmt.Sprint(r))
		*out = InternalError
	}
}

// GetAppInfo snapshots pc and returns the handle encoding. The result is
// negative when the context is unusable or Setup has not run.
func GetAppInfo(pc ProcessContext) (h int32) {
	defer guard("getAppInfo", &h)
	e := current.Load()
	if e == nil {
		return NotInitialized
	}
	return e.GetAppInfo(context.Background(), pc).Int32()
}

// Init loads or creates the identity for the snapshot behind appInfo and
// activates interception.
func Init(appInfo int32) (s int32) {
	defer guard("init", &s)
	e := current.Load()
	if e == nil {
		if f := setupFailure.Load(); f != 0 {
			return f
		}
		return NotInitialized
	}
	return int32(e.Init(context.Background(), snapshot.FromInt32(appInfo)))
}

// ModifyParams derives the parameter for seed. Failures are negative.
func ModifyParams(seed string) (v int32) {
	defer guard("modifyParams", &v)
	e := current.Load()
	if e == nil {
		return NotInitialized
	}
	return e.ModifyParams(seed).Int32()
}

// Get resolves a kind name or alias through the active interception.
func Get(name string) (string, error) {
	e := current.Load()
	if e == nil {
		return "", engine.ErrNotInitialized
	}
	return e.Lookup(context.Background(), name)
}
