package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoiceimposer"

var (
	// TasksTotal counts finished tasks by terminal result.
	TasksTotal *prometheus.CounterVec

	// TaskDuration observes wall-clock processing time in seconds.
	TaskDuration prometheus.Histogram

	// QueueDepth tracks the pending job backlog.
	QueueDepth prometheus.Gauge

	// ActiveWorkers tracks workers currently processing a job.
	ActiveWorkers prometheus.Gauge

	// UploadBytes counts accepted upload payload bytes.
	UploadBytes prometheus.Counter

	// SweepFilesRemoved and SweepBytesRemoved count retention sweep activity.
	SweepFilesRemoved prometheus.Counter
	SweepBytesRemoved prometheus.Counter

	// PagesImposed counts source pages placed onto sheets.
	PagesImposed prometheus.Counter
)

var initOnce sync.Once

// Init registers all collectors on the default registry. Safe to call more
// than once; only the first call registers.
func Init() {
	initOnce.Do(register)
}

func register() {
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Finished tasks by result.",
	}, []string{"result"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall-clock task processing time.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers currently processing a job.",
	})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Accepted upload payload bytes.",
	})

	SweepFilesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_files_removed_total",
		Help:      "Files removed by retention sweeps.",
	})

	SweepBytesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_bytes_removed_total",
		Help:      "Bytes reclaimed by retention sweeps.",
	})

	PagesImposed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_imposed_total",
		Help:      "Source pages placed onto output sheets.",
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
