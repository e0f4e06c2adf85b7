package metrics

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PromRecorder records executor and cache activity as Prometheus metrics.
type PromRecorder struct {
	cacheHits    *prom.CounterVec
	cacheMisses  *prom.CounterVec
	prepares     *prom.CounterVec
	batchFlushes *prom.CounterVec
	batchEntries prom.Histogram
	stmtSeconds  *prom.HistogramVec
}

// NewPrometheus creates a recorder and registers its collectors with reg.
func NewPrometheus(reg prom.Registerer) (*PromRecorder, error) {
	p := &PromRecorder{
		cacheHits: prom.NewCounterVec(prom.CounterOpts{
			Name: "sqlexec_cache_hits_total",
			Help: "Second-level cache hits per namespace",
		}, []string{"namespace"}),
		cacheMisses: prom.NewCounterVec(prom.CounterOpts{
			Name: "sqlexec_cache_misses_total",
			Help: "Second-level cache misses per namespace",
		}, []string{"namespace"}),
		prepares: prom.NewCounterVec(prom.CounterOpts{
			Name: "sqlexec_statement_prepares_total",
			Help: "Statement handles prepared per executor strategy",
		}, []string{"strategy"}),
		batchFlushes: prom.NewCounterVec(prom.CounterOpts{
			Name: "sqlexec_batch_flushes_total",
			Help: "Batch entries executed",
		}, []string{"success"}),
		batchEntries: prom.NewHistogram(prom.HistogramOpts{
			Name:    "sqlexec_batch_flush_entries",
			Help:    "Number of pending entries executed by one flush",
			Buckets: prom.LinearBuckets(1, 4, 8),
		}),
		stmtSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "sqlexec_statement_seconds",
			Help:    "Statement execution duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"kind", "success"}),
	}
	for _, c := range []prom.Collector{p.cacheHits, p.cacheMisses, p.prepares, p.batchFlushes, p.batchEntries, p.stmtSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PromRecorder) IncCacheHit(namespace string) {
	p.cacheHits.WithLabelValues(namespace).Inc()
}

func (p *PromRecorder) IncCacheMiss(namespace string) {
	p.cacheMisses.WithLabelValues(namespace).Inc()
}

func (p *PromRecorder) IncPrepare(strategy string) {
	p.prepares.WithLabelValues(strategy).Inc()
}

func (p *PromRecorder) ObserveBatchFlush(entries int, success bool) {
	p.batchFlushes.WithLabelValues(strconv.FormatBool(success)).Add(float64(entries))
	p.batchEntries.Observe(float64(entries))
}

func (p *PromRecorder) ObserveStatement(kind string, success bool, seconds float64) {
	p.stmtSeconds.WithLabelValues(kind, strconv.FormatBool(success)).Observe(seconds)
}
