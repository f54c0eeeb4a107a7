package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/telemlog/internal/decode"
)

// Metrics holds the daemon's Prometheus metrics.
type Metrics struct {
	Jobs         *prometheus.CounterVec
	Records      prometheus.Counter
	BytesRead    prometheus.Counter
	Resyncs      prometheus.Counter
	SkippedBytes prometheus.Counter
	JobDuration  *prometheus.HistogramVec
	InFlight     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemd_jobs_total",
		Help: "Decode and apply jobs by outcome",
	}, []string{"op", "result"})

	records := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemd_records_decoded_total",
		Help: "Records decoded from uploaded logs",
	})

	bytesRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemd_bytes_read_total",
		Help: "Log bytes consumed by the decoder",
	})

	resyncs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemd_resync_regions_total",
		Help: "Corrupt regions skipped while resynchronizing",
	})

	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemd_skipped_bytes_total",
		Help: "Bytes skipped while resynchronizing",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemd_job_duration_seconds",
		Help:    "Wall time of decode and apply jobs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"op"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemd_jobs_in_flight",
		Help: "Jobs currently running",
	})

	reg.MustRegister(jobs, records, bytesRead, resyncs, skipped, duration, inFlight)

	return &Metrics{
		Jobs:         jobs,
		Records:      records,
		BytesRead:    bytesRead,
		Resyncs:      resyncs,
		SkippedBytes: skipped,
		JobDuration:  duration,
		InFlight:     inFlight,
	}
}

// observeDecode adds the totals of finished decodes.
func (m *Metrics) observeDecode(files []decode.FileReport) {
	for _, f := range files {
		m.Records.Add(float64(f.Records))
		m.BytesRead.Add(float64(f.BytesRead))
		m.Resyncs.Add(float64(len(f.Resyncs)))
		m.SkippedBytes.Add(float64(f.SkippedBytes))
	}
}

func (m *Metrics) finishJob(op string, err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Jobs.WithLabelValues(op, result).Inc()
	m.JobDuration.WithLabelValues(op).Observe(seconds)
}
