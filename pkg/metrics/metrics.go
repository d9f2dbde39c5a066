package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Partition processor metrics, per spec §4.6's PartitionProcessorStatus.
	PartitionIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_partition_is_leader",
			Help: "Whether this node holds leadership for the partition (1 = leader, 0 = follower)",
		},
		[]string{"partition"},
	)

	PartitionLeaderEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_partition_leader_epoch",
			Help: "Current leader epoch observed by this partition processor",
		},
		[]string{"partition"},
	)

	PartitionLastAppliedLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_partition_last_applied_lsn",
			Help: "Last log sequence number applied by this partition processor",
		},
		[]string{"partition"},
	)

	PartitionDurableLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_partition_durable_lsn",
			Help: "Highest log sequence number known durable for this partition",
		},
		[]string{"partition"},
	)

	PartitionLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_partition_lag",
			Help: "Difference between durable LSN and last-applied LSN",
		},
		[]string{"partition"},
	)

	// Metadata store (C4) raft metrics.
	MetadataStoreIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partitiond_metadatastore_is_leader",
			Help: "Whether this node holds leadership of the metadata store's raft group",
		},
	)

	// Invocation lifecycle counters.
	InvocationsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_invocations_by_status",
			Help: "Current number of invocations by lifecycle status, per partition",
		},
		[]string{"partition", "status"},
	)

	InvokerDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitiond_invoker_dispatch_total",
			Help: "Total number of Invoke/Resume/Abort effects dispatched to the invoker",
		},
		[]string{"partition", "effect"},
	)

	// Timer service (C7) metrics.
	TimersFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitiond_timers_fired_total",
			Help: "Total number of FireTimer commands proposed by the timer service",
		},
		[]string{"partition"},
	)

	// Outbox shipper metrics.
	OutboxQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partitiond_outbox_queue_depth",
			Help: "Number of undelivered outbox messages observed at the head of the queue",
		},
		[]string{"partition"},
	)

	OutboxDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitiond_outbox_delivered_total",
			Help: "Total number of outbox messages successfully delivered",
		},
		[]string{"partition"},
	)

	// Storage (C1/C2) metrics.
	StorageFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partitiond_storage_flushes_total",
			Help: "Total number of shutdown flushes performed by a storage database",
		},
		[]string{"db"},
	)

	StorageOpenCFDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partitiond_storage_open_cf_duration_seconds",
			Help:    "Time taken to open a column family in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft apply/commit latency, shared by every raft group (bifrost and
	// the metadata store).
	RaftApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partitiond_raft_apply_duration_seconds",
			Help:    "Time taken for a raft.Apply call to return",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)
)

func init() {
	prometheus.MustRegister(PartitionIsLeader)
	prometheus.MustRegister(PartitionLeaderEpoch)
	prometheus.MustRegister(PartitionLastAppliedLSN)
	prometheus.MustRegister(PartitionDurableLSN)
	prometheus.MustRegister(PartitionLag)
	prometheus.MustRegister(MetadataStoreIsLeader)
	prometheus.MustRegister(InvocationsByStatus)
	prometheus.MustRegister(InvokerDispatchTotal)
	prometheus.MustRegister(TimersFiredTotal)
	prometheus.MustRegister(OutboxQueueDepth)
	prometheus.MustRegister(OutboxDeliveredTotal)
	prometheus.MustRegister(StorageFlushesTotal)
	prometheus.MustRegister(StorageOpenCFDuration)
	prometheus.MustRegister(RaftApplyDuration)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
