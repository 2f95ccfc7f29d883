package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// ChunksScheduled counts chunks handed to the scheduler
	ChunksScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_chunks_scheduled_total",
			Help: "Total number of chunks scheduled",
		},
		[]string{"sink", "blocked"}, // blocked: true when the chunk waits on predecessors
	)

	// ChunkTransitions counts tracking status transitions
	ChunkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_chunk_transitions_total",
			Help: "Total number of chunk status transitions",
		},
		[]string{"sink", "status"},
	)

	// ChunksSubmitted counts chunks submitted for processing or delivery
	ChunksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_chunks_submitted_total",
			Help: "Total number of chunks submitted",
		},
		[]string{"sink", "phase", "path"}, // path: direct, sweep
	)

	// SubmissionFailures counts sends that failed and were rolled back
	SubmissionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_submission_failures_total",
			Help: "Total number of failed chunk submissions",
		},
		[]string{"sink", "phase"},
	)

	// ChunksReleased counts dependents released by a completed delivery
	ChunksReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_chunks_released_total",
			Help: "Total number of blocked chunks released for delivery",
		},
		[]string{"sink"},
	)

	// DuplicateSignals counts completion signals absorbed as duplicates
	DuplicateSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_duplicate_signals_total",
			Help: "Total number of duplicate completion signals ignored",
		},
		[]string{"signal"}, // signal: processed, delivered, scheduled
	)

	// ConsistencyFaults counts structural faults in the dependency graph
	ConsistencyFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_consistency_faults_total",
			Help: "Total number of dependency graph consistency faults",
		},
		[]string{"operation"},
	)

	// AdmissionMode reports the admission mode per sink and phase
	AdmissionMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cds_admission_mode",
			Help: "Admission mode per sink and phase (0=direct, 1=bulk, 2=transition_to_direct)",
		},
		[]string{"sink", "phase"},
	)

	// AdmissionQueued reports the approximate number of in-flight chunks
	AdmissionQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cds_admission_queued",
			Help: "Approximate number of queued chunks per sink and phase",
		},
		[]string{"sink", "phase"},
	)

	// ModeSwitches counts admission mode changes
	ModeSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_admission_mode_switches_total",
			Help: "Total number of admission mode switches",
		},
		[]string{"sink", "phase", "mode"},
	)

	// SweepDuration measures bulk sweep duration in seconds
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cds_sweep_duration_seconds",
			Help:    "Bulk sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"phase"},
	)

	// JobsAdmitted counts job queue and rerun entries admitted by the watcher
	JobsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_jobs_admitted_total",
			Help: "Total number of queued jobs admitted",
		},
		[]string{"queue", "status"}, // queue: jobs, reruns; status: dispatched, failed
	)

	// EntriesRecovered counts in-progress queue entries reset on bootstrap
	EntriesRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_entries_recovered_total",
			Help: "Total number of in-progress queue entries reset to waiting",
		},
		[]string{"queue"},
	)

	// TickDuration measures periodic task duration in seconds
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cds_tick_duration_seconds",
			Help:    "Periodic task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"task", "status"},
	)

	// IsLeader reports whether this instance holds leadership
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cds_is_leader",
			Help: "Whether this instance is the leader (1=leader, 0=follower)",
		},
	)

	// TasksEnqueued counts outbound transport tasks
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_tasks_enqueued_total",
			Help: "Total number of transport tasks enqueued",
		},
		[]string{"task_type", "status"}, // status: enqueued, duplicate, failed
	)

	// TasksHandled counts inbound transport tasks
	TasksHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_tasks_handled_total",
			Help: "Total number of inbound transport tasks handled",
		},
		[]string{"task_type", "status"}, // status: success, failed, skipped
	)

	// CacheLookups counts upstream definition cache lookups
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_cache_lookups_total",
			Help: "Total number of upstream definition cache lookups",
		},
		[]string{"kind", "result"}, // result: hit, miss
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

func sinkLabel(sinkID int64) string {
	return strconv.FormatInt(sinkID, 10)
}

// RecordChunkScheduled records a newly tracked chunk
func RecordChunkScheduled(sinkID int64, blocked bool) {
	ChunksScheduled.WithLabelValues(sinkLabel(sinkID), strconv.FormatBool(blocked)).Inc()
}

// RecordTransition records a chunk entering status
func RecordTransition(sinkID int64, status string) {
	ChunkTransitions.WithLabelValues(sinkLabel(sinkID), status).Inc()
}

// RecordSubmission records a chunk submission
func RecordSubmission(sinkID int64, phase, path string) {
	ChunksSubmitted.WithLabelValues(sinkLabel(sinkID), phase, path).Inc()
}

// RecordSubmissionFailure records a failed send
func RecordSubmissionFailure(sinkID int64, phase string) {
	SubmissionFailures.WithLabelValues(sinkLabel(sinkID), phase).Inc()
}

// RecordReleased records dependents released for delivery
func RecordReleased(sinkID int64, count int) {
	ChunksReleased.WithLabelValues(sinkLabel(sinkID)).Add(float64(count))
}

// RecordDuplicateSignal records an ignored completion signal
func RecordDuplicateSignal(signal string) {
	DuplicateSignals.WithLabelValues(signal).Inc()
}

// RecordConsistencyFault records a dependency graph fault
func RecordConsistencyFault(operation string) {
	ConsistencyFaults.WithLabelValues(operation).Inc()
}

// RecordAdmission records the admission state of a sink phase
func RecordAdmission(sinkID int64, phase string, mode int, queued int64) {
	AdmissionMode.WithLabelValues(sinkLabel(sinkID), phase).Set(float64(mode))
	AdmissionQueued.WithLabelValues(sinkLabel(sinkID), phase).Set(float64(queued))
}

// RecordModeSwitch records an admission mode change
func RecordModeSwitch(sinkID int64, phase, mode string) {
	ModeSwitches.WithLabelValues(sinkLabel(sinkID), phase, mode).Inc()
}

// RecordSweep records a bulk sweep
func RecordSweep(phase string, duration float64) {
	SweepDuration.WithLabelValues(phase).Observe(duration)
}

// RecordJobAdmitted records a watcher dispatch
func RecordJobAdmitted(queue, status string) {
	JobsAdmitted.WithLabelValues(queue, status).Inc()
}

// RecordRecovered records queue entries reset by bootstrap
func RecordRecovered(queue string, count int) {
	EntriesRecovered.WithLabelValues(queue).Add(float64(count))
}

// RecordTick records a periodic task run
func RecordTick(task, status string, duration float64) {
	TickDuration.WithLabelValues(task, status).Observe(duration)
}

// RecordLeadership records leadership changes
func RecordLeadership(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}

	IsLeader.Set(0)
}

// RecordTaskEnqueued records an outbound task
func RecordTaskEnqueued(taskType, status string) {
	TasksEnqueued.WithLabelValues(taskType, status).Inc()
}

// RecordTaskHandled records an inbound task
func RecordTaskHandled(taskType, status string) {
	TasksHandled.WithLabelValues(taskType, status).Inc()
}

// RecordCacheLookup records an upstream definition cache lookup
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	CacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
