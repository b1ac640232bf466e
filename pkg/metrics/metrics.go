package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	LogicalRoomsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meta_logical_rooms_total",
			Help: "Total number of logical rooms",
		},
	)

	PhysicalRoomsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meta_physical_rooms_total",
			Help: "Total number of physical rooms",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meta_instances_total",
			Help: "Total number of store instances by resource tag and state",
		},
		[]string{"resource_tag", "state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meta_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meta_raft_peers_total",
			Help: "Total number of Raft peers in the meta-service cluster",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meta_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Topology operation metrics
	TopologyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_topology_ops_total",
			Help: "Total number of topology operations by op and status",
		},
		[]string{"op", "status"},
	)

	TopologyOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meta_topology_op_duration_seconds",
			Help:    "Time taken to apply a topology operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Network-segmentation metrics
	SegmentationPrefixLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meta_segmentation_prefix_length",
			Help: "Chosen IP prefix length per resource tag",
		},
		[]string{"resource_tag"},
	)

	SegmentationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_segmentation_runs_total",
			Help: "Total number of network-segmentation engine runs by resource tag",
		},
		[]string{"resource_tag"},
	)

	// Health monitor metrics
	InstanceStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_instance_state_transitions_total",
			Help: "Total number of instance state transitions by resource tag, from, and to",
		},
		[]string{"resource_tag", "from", "to"},
	)

	HealthSuppressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_health_suppressions_total",
			Help: "Total number of mass-failure false-positive suppressions by resource tag",
		},
		[]string{"resource_tag"},
	)

	HealthScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meta_health_scan_duration_seconds",
			Help:    "Time taken for one store-health monitor scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Selector metrics
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_selections_total",
			Help: "Total number of instance selections by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	SelectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meta_selection_duration_seconds",
			Help:    "Time taken by an instance selector call in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Heartbeat pipeline metrics
	StoreHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meta_store_heartbeats_total",
			Help: "Total number of store heartbeats processed",
		},
	)

	ClientHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meta_client_heartbeats_total",
			Help: "Total number of client heartbeats processed",
		},
	)

	HeartbeatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meta_heartbeat_duration_seconds",
			Help:    "Time taken to process a heartbeat in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BalancingBudgetsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_balancing_budgets_emitted_total",
			Help: "Total number of add-peer/add-learner budgets emitted by dimension",
		},
		[]string{"dimension"},
	)

	BalancingBudgetsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meta_balancing_budgets_suppressed_total",
			Help: "Total number of table-level budgets suppressed in favor of a pk-prefix budget",
		},
		[]string{"resource_tag"},
	)
)

func init() {
	prometheus.MustRegister(LogicalRoomsTotal)
	prometheus.MustRegister(PhysicalRoomsTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(TopologyOpsTotal)
	prometheus.MustRegister(TopologyOpDuration)
	prometheus.MustRegister(SegmentationPrefixLength)
	prometheus.MustRegister(SegmentationRunsTotal)
	prometheus.MustRegister(InstanceStateTransitionsTotal)
	prometheus.MustRegister(HealthSuppressionsTotal)
	prometheus.MustRegister(HealthScanDuration)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(SelectionDuration)
	prometheus.MustRegister(StoreHeartbeatsTotal)
	prometheus.MustRegister(ClientHeartbeatsTotal)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(BalancingBudgetsEmittedTotal)
	prometheus.MustRegister(BalancingBudgetsSuppressedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
