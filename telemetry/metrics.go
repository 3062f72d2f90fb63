package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// LoadPhaseBuckets for load-script invocations (process spawn + load work)
	LoadPhaseBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// FlushBuckets for writing and fsyncing one artifact
	FlushBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// ArtifactBytesBuckets for flushed artifact sizes
	ArtifactBytesBuckets = []float64{1 << 10, 16 << 10, 256 << 10, 1 << 20, 8 << 20, 64 << 20, 256 << 20}
)

// Pipeline Metrics
var (
	// StoreDepth tracks queued events per store
	StoreDepth GaugeVec = noopGaugeVec{}

	// CommittedSeqno tracks the last committed seqno of the applier
	CommittedSeqno Gauge = NoopStat{}

	// CommitLagSeconds tracks now minus the commit time of the watermark
	CommitLagSeconds Gauge = NoopStat{}

	// StageStatus tracks stage state by stage and state (1 = current)
	StageStatus GaugeVec = noopGaugeVec{}
)

// Applier Metrics
var (
	// EventsTotal counts events by result (applied, skipped, failed)
	EventsTotal CounterVec = noopCounterVec{}

	// TxnsCommittedTotal counts transactions committed through the load script
	TxnsCommittedTotal Counter = NoopStat{}

	// RowsWrittenTotal counts rows serialized into batches by table
	RowsWrittenTotal CounterVec = noopCounterVec{}

	// RowsFilteredTotal counts rows dropped by the table filter
	RowsFilteredTotal Counter = NoopStat{}

	// ArtifactsFlushedTotal counts artifacts by flush trigger (commit, threshold, columns)
	ArtifactsFlushedTotal CounterVec = noopCounterVec{}

	// ArtifactBytes measures flushed artifact sizes
	ArtifactBytes Histogram = NoopStat{}

	// FlushDurationSeconds measures artifact write + fsync latency
	FlushDurationSeconds Histogram = NoopStat{}

	// OpenBatches tracks in-memory batches awaiting flush
	OpenBatches Gauge = NoopStat{}
)

// Load Lifecycle Metrics
var (
	// LoadPhaseSeconds measures load-script phase latency by phase
	LoadPhaseSeconds HistogramVec = noopHistogramVec{}

	// LoadPhaseFailuresTotal counts load-script failures by phase
	LoadPhaseFailuresTotal CounterVec = noopCounterVec{}
)

// Commit Watch Metrics
var (
	// WatchesPending tracks registered watches not yet resolved
	WatchesPending Gauge = NoopStat{}

	// WatchResultsTotal counts watch outcomes (resolved, timed_out, cancelled)
	WatchResultsTotal CounterVec = noopCounterVec{}

	// NotificationsTotal counts commit notifications by sink and result
	NotificationsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry() creates the registry.
func InitMetrics() {
	// Pipeline Metrics
	StoreDepth = NewGaugeVec(
		"store_depth",
		"Events queued in a pipeline store",
		[]string{"store"},
	)
	CommittedSeqno = NewGauge(
		"committed_seqno",
		"Last seqno committed through the load script",
	)
	CommitLagSeconds = NewGauge(
		"commit_lag_seconds",
		"Seconds between now and the commit time of the committed watermark",
	)
	StageStatus = NewGaugeVec(
		"stage_status",
		"Current lifecycle state of each stage (1 = active state)",
		[]string{"stage", "state"},
	)

	// Applier Metrics
	EventsTotal = NewCounterVec(
		"events_total",
		"Events processed by result",
		[]string{"result"},
	)
	TxnsCommittedTotal = NewCounter(
		"txns_committed_total",
		"Transactions committed through the load script",
	)
	RowsWrittenTotal = NewCounterVec(
		"rows_written_total",
		"Rows serialized into batches",
		[]string{"table"},
	)
	RowsFilteredTotal = NewCounter(
		"rows_filtered_total",
		"Rows dropped by the table filter",
	)
	ArtifactsFlushedTotal = NewCounterVec(
		"artifacts_flushed_total",
		"Artifacts flushed by trigger",
		[]string{"trigger"},
	)
	ArtifactBytes = NewHistogramWithBuckets(
		"artifact_bytes",
		"Size of flushed artifacts in bytes",
		ArtifactBytesBuckets,
	)
	FlushDurationSeconds = NewHistogramWithBuckets(
		"flush_duration_seconds",
		"Artifact write and fsync duration in seconds",
		FlushBuckets,
	)
	OpenBatches = NewGauge(
		"open_batches",
		"In-memory batches awaiting flush",
	)

	// Load Lifecycle Metrics
	LoadPhaseSeconds = NewHistogramVec(
		"load_phase_seconds",
		"Load-script phase duration in seconds",
		[]string{"phase"},
		LoadPhaseBuckets,
	)
	LoadPhaseFailuresTotal = NewCounterVec(
		"load_phase_failures_total",
		"Load-script phase failures",
		[]string{"phase"},
	)

	// Commit Watch Metrics
	WatchesPending = NewGauge(
		"watches_pending",
		"Commit watches waiting for their seqno",
	)
	WatchResultsTotal = NewCounterVec(
		"watch_results_total",
		"Commit watch outcomes",
		[]string{"result"},
	)
	NotificationsTotal = NewCounterVec(
		"notifications_total",
		"Commit notifications by sink and result",
		[]string{"sink", "result"},
	)
}
