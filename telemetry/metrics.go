package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ApplyBuckets for transactional change application (local SQLite writes)
	ApplyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// HTTPBuckets for lock endpoint round trips
	HTTPBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Change log / handle metrics
var (
	// ChangesAppliedTotal counts incoming changes by result (applied, lww_discarded)
	ChangesAppliedTotal CounterVec = noopCounterVec{}

	// ChangesCapturedTotal counts locally captured changes by table
	ChangesCapturedTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures transactional batch apply latency
	ApplyDurationSeconds Histogram = NoopStat{}

	// OpenHandles tracks currently open database handles
	OpenHandles Gauge = NoopStat{}

	// LeakedHandles counts handles reclaimed by the registry sweep instead of Close
	LeakedHandles Counter = NoopStat{}

	// SeenFilterChecks counts applied-change filter checks by result (fast_path, slow_path)
	SeenFilterChecks CounterVec = noopCounterVec{}
)

// Transport metrics
var (
	// SyncMessagesTotal counts websocket messages by direction (sent, received)
	SyncMessagesTotal CounterVec = noopCounterVec{}

	// ReconnectsTotal counts reconnect attempts by result (success, failed)
	ReconnectsTotal CounterVec = noopCounterVec{}

	// QueuedMessages tracks messages waiting for a live connection
	QueuedMessages Gauge = NoopStat{}

	// PendingChanges tracks changes buffered behind the debounce timer
	PendingChanges Gauge = NoopStat{}
)

// Lock metrics
var (
	// LockRequestsTotal counts lock operations by op (check, acquire, release) and result
	LockRequestsTotal CounterVec = noopCounterVec{}

	// LockRequestSeconds measures lock endpoint latency
	LockRequestSeconds Histogram = NoopStat{}

	// HeldLocks tracks locks currently in granted state
	HeldLocks Gauge = NoopStat{}
)

// InitMetrics binds the package metrics to the Prometheus registry. Without
// this call (or with metrics disabled) every metric stays a no-op.
func InitMetrics() {
	ChangesAppliedTotal = NewCounterVec(
		"changes_applied_total",
		"Incoming changes by result",
		[]string{"result"})

	ChangesCapturedTotal = NewCounterVec(
		"changes_captured_total",
		"Locally captured changes by table",
		[]string{"table"})

	ApplyDurationSeconds = NewHistogramWithBuckets(
		"apply_duration_seconds",
		"Transactional batch apply latency",
		ApplyBuckets)

	OpenHandles = NewGauge(
		"open_handles",
		"Currently open database handles")

	LeakedHandles = NewCounter(
		"leaked_handles_total",
		"Handles found open in the registry after their owner went away")

	SeenFilterChecks = NewCounterVec(
		"seen_filter_checks_total",
		"Applied-change filter checks by result",
		[]string{"result"})

	SyncMessagesTotal = NewCounterVec(
		"sync_messages_total",
		"WebSocket messages by direction",
		[]string{"direction"})

	ReconnectsTotal = NewCounterVec(
		"reconnects_total",
		"Reconnect attempts by result",
		[]string{"result"})

	QueuedMessages = NewGauge(
		"queued_messages",
		"Messages waiting for a live connection")

	PendingChanges = NewGauge(
		"pending_changes",
		"Changes buffered behind the debounce timer")

	LockRequestsTotal = NewCounterVec(
		"lock_requests_total",
		"Lock operations by op and result",
		[]string{"op", "result"})

	LockRequestSeconds = NewHistogramWithBuckets(
		"lock_request_seconds",
		"Lock endpoint round-trip latency",
		HTTPBuckets)

	HeldLocks = NewGauge(
		"held_locks",
		"Locks currently held in granted state")
}
