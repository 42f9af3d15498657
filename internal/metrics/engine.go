package metrics

// EngineMetrics holds the remapping engine's metrics.
type EngineMetrics struct {
	registry *Registry

	AppInfoTotal       *Counter
	AppInfoUnavailable *Counter
	InitTotal          *Counter
	InitFailures       *Counter
	ModifyTotal        *Counter
	ModifyErrors       *Counter
	ResolveTotal       *Counter
	RegenerationsTotal *Counter

	ActiveKinds   *Gauge
	InactiveKinds *Gauge
	Generation    *Gauge

	InitDuration   *Histogram
	ModifyDuration *Histogram
}

// NewEngineMetrics registers the engine metrics in registry.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = NewRegistry("idremap")
	}
	return &EngineMetrics{
		registry: registry,

		AppInfoTotal:       registry.Counter("app_info_total", "Snapshots collected by GetAppInfo", nil),
		AppInfoUnavailable: registry.Counter("app_info_unavailable_total", "GetAppInfo calls that returned an unavailable handle", nil),
		InitTotal:          registry.Counter("init_total", "Init calls", nil),
		InitFailures:       registry.Counter("init_failures_total", "Init calls that returned a negative status", nil),
		ModifyTotal:        registry.Counter("modify_total", "ModifyParams calls", nil),
		ModifyErrors:       registry.Counter("modify_errors_total", "ModifyParams calls that failed", nil),
		ResolveTotal:       registry.Counter("resolve_total", "Identifier lookups served", nil),
		RegenerationsTotal: registry.Counter("regenerations_total", "Explicit identity regenerations", nil),

		ActiveKinds:   registry.Gauge("active_kinds", "Identifier kinds currently intercepted", nil),
		InactiveKinds: registry.Gauge("inactive_kinds", "Identifier kinds left on real values", nil),
		Generation:    registry.Gauge("identity_generation", "Generation of the current substitute identity", nil),

		InitDuration:   registry.Histogram("init_duration_seconds", "Time spent in Init", nil, DurationBuckets),
		ModifyDuration: registry.Histogram("modify_duration_seconds", "Time spent in ModifyParams", nil, DurationBuckets),
	}
}

// Registry returns the registry the metrics live in.
func (m *EngineMetrics) Registry() *Registry { return m.registry }
