package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the records module.
type Metrics struct {
	RecordsWritten  *prometheus.CounterVec
	ExportEntries   prometheus.Counter
	ExportBytes     prometheus.Counter
	ExportDuration  prometheus.Histogram
	ExportsAborted  prometheus.Counter
	AttachmentBytes prometheus.Counter
}

// New creates a new Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_records_written_total",
			Help: "Record writes by operation (create, update, delete)",
		}, []string{"op"}),
		ExportEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_export_entries_total",
			Help: "Archive entries written by bulk exports",
		}),
		ExportBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_export_attachment_bytes_total",
			Help: "Uncompressed attachment bytes written by bulk exports",
		}),
		ExportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docket_export_duration_seconds",
			Help:    "Duration of bulk exports, including aborted ones",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ExportsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_exports_aborted_total",
			Help: "Bulk exports that ended before the archive was finalized",
		}),
		AttachmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "docket_attachment_bytes_served_total",
			Help: "Attachment bytes returned by single-attachment reads",
		}),
	}
}

// IncrementWritten records a successful write of the given kind.
func (m *Metrics) IncrementWritten(op string) {
	m.RecordsWritten.WithLabelValues(op).Inc()
}

// ObserveExport records one export. Call with time.Now() captured at the start.
func (m *Metrics) ObserveExport(start time.Time, entries int, bytes int64, aborted bool) {
	m.ExportDuration.Observe(time.Since(start).Seconds())
	m.ExportEntries.Add(float64(entries))
	m.ExportBytes.Add(float64(bytes))
	if aborted {
		m.ExportsAborted.Inc()
	}
}

// AddAttachmentBytes counts bytes served by attachment reads.
func (m *Metrics) AddAttachmentBytes(n int) {
	m.AttachmentBytes.Add(float64(n))
}
