// Package agentmetrics exposes the agent's Runtime Stats and Task Manager
// load as Prometheus metrics, and periodically refreshes them from
// pkg/state and pkg/task the way the teacher's metrics collector polls the
// manager on an interval rather than updating inline at every call site.
package agentmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/sentryd/pkg/state"
	"github.com/cuemby/sentryd/pkg/task"
)

var (
	// Connection metrics
	EnrollmentStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_enrollment_status",
			Help: "Enrollment status (0 = pending, 1 = enrolled, 2 = failed)",
		},
	)

	ConnectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_connection_status",
			Help: "Heartbeat connection status (0 = disconnected, 1 = connecting, 2 = connected)",
		},
	)

	// Heartbeat metrics
	HeartbeatsSentTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_heartbeats_sent_total",
			Help: "Total heartbeats successfully sent since process start",
		},
	)

	HeartbeatsFailedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_heartbeats_failed_total",
			Help: "Total heartbeats that failed since process start",
		},
	)

	ReconnectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_reconnects_total",
			Help: "Total reconnect attempts since process start",
		},
	)

	// Command/task metrics
	CommandsReceivedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_commands_received_total",
			Help: "Total tasks received from the control plane",
		},
	)

	CommandsExecutedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_commands_executed_total",
			Help: "Total commands executed since process start",
		},
	)

	TasksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_tasks_total",
			Help: "Total tasks currently tracked by the Task Manager",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_tasks_pending",
			Help: "Tasks currently awaiting a report upload",
		},
	)

	// Session/terminal metrics
	SessionOperationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryd_session_operation_duration_seconds",
			Help:    "Time taken to complete an interactive session operation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit pipeline metrics
	AuditQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryd_audit_queue_length",
			Help: "Number of audit events currently queued for upload",
		},
	)
)

func init() {
	prometheus.MustRegister(EnrollmentStatus)
	prometheus.MustRegister(ConnectionStatus)
	prometheus.MustRegister(HeartbeatsSentTotal)
	prometheus.MustRegister(HeartbeatsFailedTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(CommandsReceivedTotal)
	prometheus.MustRegister(CommandsExecutedTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(SessionOperationDuration)
	prometheus.MustRegister(AuditQueueLength)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// enrollmentStatusValue maps state.EnrollmentStatus onto the gauge's numeric encoding.
func enrollmentStatusValue(s state.EnrollmentStatus) float64 {
	switch s {
	case state.EnrollmentEnrolled:
		return 1
	case state.EnrollmentFailed:
		return 2
	default:
		return 0
	}
}

// connectionStatusValue maps state.ConnectionStatus onto the gauge's numeric encoding.
func connectionStatusValue(s state.ConnectionStatus) float64 {
	switch s {
	case state.ConnectionConnecting:
		return 1
	case state.ConnectionConnected:
		return 2
	default:
		return 0
	}
}

// Collector polls pkg/state and pkg/task on an interval and pushes their
// values into the registered gauges, mirroring the teacher's
// ticker-driven metrics.Collector rather than updating gauges inline at
// every state mutation.
type Collector struct {
	store   *state.Store
	taskMgr *task.Manager

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector returns a Collector reading from store and taskMgr every interval.
func NewCollector(store *state.Store, taskMgr *task.Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		taskMgr:  taskMgr,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the polling loop in a new goroutine. It collects once
// immediately so metrics are populated before the first tick.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		c.collect()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	stats := c.store.Stats()
	EnrollmentStatus.Set(enrollmentStatusValue(c.store.EnrollmentStatus()))
	ConnectionStatus.Set(connectionStatusValue(c.store.ConnectionStatus()))
	HeartbeatsSentTotal.Set(float64(stats.HeartbeatsSent))
	HeartbeatsFailedTotal.Set(float64(stats.HeartbeatsFailed))
	ReconnectsTotal.Set(float64(stats.ReconnectCount))
	CommandsReceivedTotal.Set(float64(stats.CommandsReceived))
	CommandsExecutedTotal.Set(float64(stats.CommandsExecuted))

	taskStats := c.taskMgr.Stats()
	TasksTotal.Set(float64(taskStats.TotalTasks))
	TasksPending.Set(float64(taskStats.PendingTasks))
}
