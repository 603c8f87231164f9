package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics shared by the processor and
// the registry façade (not stream-type specific).
type Metrics struct {
	// Ingestion metrics
	RecordsReceived    *prometheus.CounterVec
	RecordsSunk        *prometheus.CounterVec
	RecordsSkipped     *prometheus.CounterVec
	SinkRetries        *prometheus.CounterVec
	CheckpointCommits  *prometheus.CounterVec
	CheckpointLag      *prometheus.GaugeVec
	PartitionState     *prometheus.GaugeVec
	ProcessingDuration *prometheus.HistogramVec
	ProvisioningOps    *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "records",
				Name:      "received_total",
				Help:      "Total number of raw records received from the log",
			},
			[]string{"stream", "partition"},
		),

		RecordsSunk: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "records",
				Name:      "sunk_total",
				Help:      "Total number of records upserted into the store",
			},
			[]string{"stream", "partition"},
		),

		RecordsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "records",
				Name:      "skipped_total",
				Help:      "Total number of records skipped as permanently invalid",
			},
			[]string{"stream", "reason"},
		),

		SinkRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "sink",
				Name:      "retries_total",
				Help:      "Total number of sink write retries",
			},
			[]string{"stream"},
		),

		CheckpointCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "checkpoint",
				Name:      "commits_total",
				Help:      "Total number of checkpoint commits",
			},
			[]string{"stream", "partition"},
		),

		CheckpointLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streamsink",
				Subsystem: "checkpoint",
				Name:      "uncommitted_records",
				Help:      "Records processed since the last checkpoint commit",
			},
			[]string{"stream", "partition"},
		),

		PartitionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streamsink",
				Subsystem: "consumer",
				Name:      "partition_state",
				Help:      "Partition consumer state (0=unclaimed, 1=claimed, 2=receiving, 3=checkpointing, 4=faulted, 5=released)",
			},
			[]string{"stream", "partition"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamsink",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Per-record processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stream", "operation"},
		),

		ProvisioningOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "provisioning",
				Name:      "operations_total",
				Help:      "Total number of schema provisioning operations",
			},
			[]string{"operation", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamsink",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streamsink",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// collectors returns all core metrics for registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsReceived,
		m.RecordsSunk,
		m.RecordsSkipped,
		m.SinkRetries,
		m.CheckpointCommits,
		m.CheckpointLag,
		m.PartitionState,
		m.ProcessingDuration,
		m.ProvisioningOps,
		m.ErrorsTotal,
		m.NATSConnected,
		m.NATSReconnects,
	}
}
