package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Generations       *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
	MalformedRecords  prometheus.Counter
	LockReclaims      prometheus.Counter
	RankedEntries     *prometheus.GaugeVec
	LastGenerated     prometheus.Gauge
}

// NewMetrics registers on reg. A nil reg leaves the collectors unregistered,
// which tests rely on to build several generators in one process.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Regeneration attempts by outcome",
		}, []string{"outcome"}),
		GenerationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time spent in a regeneration attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_total",
			Help:      "Match records skipped as malformed",
		}),
		LockReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_reclaims_total",
			Help:      "Expired rankings locks taken over from a dead holder",
		}),
		RankedEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ranked_entries",
			Help:      "Entries in the last published ladder",
		}, []string{"ladder"}),
		LastGenerated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_generated_timestamp_seconds",
			Help:      "Unix time of the last published rankings",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Generations,
			m.GenerationLatency,
			m.MalformedRecords,
			m.LockReclaims,
			m.RankedEntries,
			m.LastGenerated,
		)
	}
	return m
}

func (m *Metrics) observe(out Outcome) {
	m.Generations.WithLabelValues(string(out.Status)).Inc()
	m.GenerationLatency.Observe(out.Duration.Seconds())
}

func (m *Metrics) published(r ladderSizes, at time.Time, skipped int) {
	m.RankedEntries.WithLabelValues("singles").Set(float64(r.singles))
	m.RankedEntries.WithLabelValues("doubles").Set(float64(r.doubles))
	m.RankedEntries.WithLabelValues("doubles_teams").Set(float64(r.teams))
	m.LastGenerated.Set(float64(at.Unix()))
	m.MalformedRecords.Add(float64(skipped))
}

type ladderSizes struct {
	singles, doubles, teams int
}
