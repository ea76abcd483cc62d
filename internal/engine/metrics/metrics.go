// Package metrics exposes the engine's prometheus instrumentation.
// Components take a *Metrics (or nil) at construction rather than
// reaching for package-level collectors, matching spec §9's "no
// process-wide singletons" rule.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine registers. A nil
// *Metrics is valid everywhere it is accepted: all methods on it are
// no-ops, so callers that don't care about metrics (most tests) can
// pass nil.
type Metrics struct {
	Commits        *prometheus.CounterVec
	GCRuns         *prometheus.CounterVec
	GCDuration     *prometheus.HistogramVec
	RollupCount    *prometheus.GaugeVec
	MaxModseq      *prometheus.GaugeVec
	SelectDuration prometheus.Histogram
}

// New registers and returns a fresh Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "commits_total",
			Help:      "Transactions committed, by mailbox.",
		}, []string{"mailbox"}),
		GCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "gc_runs_total",
			Help:      "Background GC passes run, by mailbox and phase.",
		}, []string{"mailbox", "phase"}),
		GCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "gc_duration_seconds",
			Help:      "Background GC pass duration, by mailbox and phase.",
		}, []string{"mailbox", "phase"}),
		RollupCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "rollup_count",
			Help:      "Number of retained rollups, by mailbox.",
		}, []string{"mailbox"}),
		MaxModseq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "max_modseq",
			Help:      "Current max_modseq, by mailbox.",
		}, []string{"mailbox"}),
		SelectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crymap",
			Subsystem: "engine",
			Name:      "select_duration_seconds",
			Help:      "SELECT/EXAMINE latency, including rollup load and tail replay.",
		}),
	}
	reg.MustRegister(m.Commits, m.GCRuns, m.GCDuration, m.RollupCount, m.MaxModseq, m.SelectDuration)
	return m
}

func (m *Metrics) commitObserved(mailbox string) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(mailbox).Inc()
}

// ObserveCommit records one committed transaction for mailbox.
func (m *Metrics) ObserveCommit(mailbox string) { m.commitObserved(mailbox) }

// ObserveGC records one completed GC phase and its wall time.
func (m *Metrics) ObserveGC(mailbox, phase string, seconds float64) {
	if m == nil {
		return
	}
	m.GCRuns.WithLabelValues(mailbox, phase).Inc()
	m.GCDuration.WithLabelValues(mailbox, phase).Observe(seconds)
}

// SetRollupCount records the number of retained rollups for mailbox.
func (m *Metrics) SetRollupCount(mailbox string, n int) {
	if m == nil {
		return
	}
	m.RollupCount.WithLabelValues(mailbox).Set(float64(n))
}

// SetMaxModseq records the current max_modseq for mailbox.
func (m *Metrics) SetMaxModseq(mailbox string, raw uint64) {
	if m == nil {
		return
	}
	m.MaxModseq.WithLabelValues(mailbox).Set(float64(raw))
}

// ObserveSelect records one SELECT/EXAMINE's latency.
func (m *Metrics) ObserveSelect(seconds float64) {
	if m == nil {
		return
	}
	m.SelectDuration.Observe(seconds)
}
