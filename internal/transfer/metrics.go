package transfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transfer outcomes. A nil *Metrics is valid and records
// nothing, so metrics stay optional for library callers.
type Metrics struct {
	uploads           prometheus.Counter
	uploadFailures    prometheus.Counter
	downloads         prometheus.Counter
	transferFailures  prometheus.Counter
	integrityFailures prometheus.Counter
	duration          *prometheus.HistogramVec
}

// NewMetrics builds and registers the transfer metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framestore_frames_uploaded_total",
			Help: "Frames successfully written to the storage backend.",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framestore_frame_upload_failures_total",
			Help: "Frame writes that failed with a backend error.",
		}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framestore_frames_downloaded_total",
			Help: "Frames fetched and verified against their stored digest.",
		}),
		transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framestore_frame_download_failures_total",
			Help: "Frame fetches that failed with a backend error.",
		}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framestore_integrity_failures_total",
			Help: "Downloaded frames whose recomputed digest disagreed with the record.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framestore_transfer_duration_seconds",
			Help:    "Per-item storage round trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.uploads, m.uploadFailures, m.downloads,
			m.transferFailures, m.integrityFailures, m.duration)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) uploadDone(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.uploadFailures.Inc()
		return
	}
	m.uploads.Inc()
}

func (m *Metrics) downloadDone(err error, integrity bool) {
	if m == nil {
		return
	}
	switch {
	case integrity:
		m.integrityFailures.Inc()
	case err != nil:
		m.transferFailures.Inc()
	default:
		m.downloads.Inc()
	}
}
