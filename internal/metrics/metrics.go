package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds the Prometheus collectors on a custom registry so tests can
// create isolated instances.
type Store struct {
	Registry *prometheus.Registry

	SyncRunning           prometheus.Gauge
	SyncDuration          prometheus.Histogram
	TableSyncDuration     *prometheus.HistogramVec
	TableSyncSuccessTotal *prometheus.CounterVec

	RowsProcessedTotal *prometheus.CounterVec // labels: table, outcome (inserted/updated/skipped/error)
	ConflictsTotal     *prometheus.CounterVec
	CheckpointsTotal   prometheus.Counter

	BatchProcessingDuration *prometheus.HistogramVec
	BatchErrorsTotal        *prometheus.CounterVec
	SyncErrorsTotal         *prometheus.CounterVec

	BackupBytesWritten prometheus.Counter
	BackupsTotal       *prometheus.CounterVec // labels: status

	ConnectionHealthy *prometheus.GaugeVec // labels: db; 1 healthy, 0.5 degraded, 0 unhealthy
}

// NewStore creates and registers the collectors.
func NewStore() *Store {
	registry := prometheus.NewRegistry()

	return &Store{
		Registry: registry,
		SyncRunning: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dbsync_up",
			Help: "Indicates if a sync job is currently running (1 = running, 0 = idle).",
		}),
		SyncDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "dbsync_run_duration_seconds",
			Help:    "Duration of entire sync jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}),
		TableSyncDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbsync_table_sync_duration_seconds",
			Help:    "Duration histogram for synchronizing individual tables.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"table"}),
		TableSyncSuccessTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_table_sync_success_total",
			Help: "Total number of tables synchronized without row-level errors.",
		}, []string{"table"}),
		RowsProcessedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_rows_processed_total",
			Help: "Rows processed, labeled by table and outcome.",
		}, []string{"table", "outcome"}),
		ConflictsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_conflicts_total",
			Help: "Two-way conflicts recorded for manual resolution.",
		}, []string{"table"}),
		CheckpointsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dbsync_checkpoints_total",
			Help: "Checkpoints emitted to the caller.",
		}),
		BatchProcessingDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbsync_batch_processing_duration_seconds",
			Help:    "Duration histogram for writing individual batches.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"table", "status"}),
		BatchErrorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_batch_errors_total",
			Help: "Batch write failures after retries.",
		}, []string{"table"}),
		SyncErrorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_errors_total",
			Help: "Errors encountered during sync, labeled by type and table.",
		}, []string{"type", "table"}),
		BackupBytesWritten: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dbsync_backup_bytes_written_total",
			Help: "Bytes of backup SQL scripts written to the artifact store.",
		}),
		BackupsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dbsync_backups_total",
			Help: "Backup operations, labeled by terminal status.",
		}, []string{"status"}),
		ConnectionHealthy: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbsync_connection_healthy",
			Help: "Connection health per database (1 healthy, 0.5 degraded, 0 unhealthy).",
		}, []string{"db"}),
	}
}
