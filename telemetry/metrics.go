package telemetry

// Histogram bucket definitions
var (
	// CancelDeleteBuckets covers in-memory edits plus one header fsync per replica
	CancelDeleteBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Delete Predicate Metrics
var (
	// CancelDeleteRequestsTotal counts cancel-delete requests attempted, regardless of outcome
	CancelDeleteRequestsTotal Counter = NoopStat{}

	// CancelDeleteResultsTotal counts cancel-delete requests by final status
	CancelDeleteResultsTotal CounterVec = noopCounterVec{}

	// CancelDeleteDurationSeconds measures cancel-delete latency
	CancelDeleteDurationSeconds Histogram = NoopStat{}

	// DeletePredicatesAddedTotal counts predicates registered through the admin API
	DeletePredicatesAddedTotal Counter = NoopStat{}
)

// Tablet Header Metrics
var (
	// TabletMetaSavesTotal counts header writes by result (success, failed)
	TabletMetaSavesTotal CounterVec = noopCounterVec{}

	// TabletsTotal tracks distinct tablet ids registered locally
	TabletsTotal Gauge = NoopStat{}

	// TabletReplicas tracks registered local replicas
	TabletReplicas Gauge = NoopStat{}

	// DeletePredicatesActive tracks live delete predicates across all replicas
	DeletePredicatesActive Gauge = NoopStat{}

	// DirtyReplicas tracks replicas whose last header save failed
	DirtyReplicas Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	CancelDeleteRequestsTotal = NewCounter(
		"cancel_delete_requests_total",
		"Total cancel-delete requests attempted",
	)
	CancelDeleteResultsTotal = NewCounterVec(
		"cancel_delete_results_total",
		"Cancel-delete requests by final status",
		[]string{"status"},
	)
	CancelDeleteDurationSeconds = NewHistogramWithBuckets(
		"cancel_delete_duration_seconds",
		"Cancel-delete duration in seconds",
		CancelDeleteBuckets,
	)
	DeletePredicatesAddedTotal = NewCounter(
		"delete_predicates_added_total",
		"Total delete predicates registered",
	)

	TabletMetaSavesTotal = NewCounterVec(
		"tablet_meta_saves_total",
		"Tablet header writes by result",
		[]string{"result"},
	)
	TabletsTotal = NewGauge(
		"tablets",
		"Distinct tablet ids registered locally",
	)
	TabletReplicas = NewGauge(
		"tablet_replicas",
		"Local tablet replicas registered",
	)
	DeletePredicatesActive = NewGauge(
		"delete_predicates_active",
		"Live delete predicates across all replicas",
	)
	DirtyReplicas = NewGauge(
		"dirty_replicas",
		"Replicas whose in-memory header diverges from disk",
	)
}
