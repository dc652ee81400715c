package evolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments of a run. Instruments are registered
// with the registerer given to NewMetrics; a nil registerer leaves them
// unregistered, which keeps tests and parallel sessions independent.
type Metrics struct {
	Generation     prometheus.Gauge
	Population     prometheus.Gauge
	BestFitness    prometheus.Gauge
	TreeDepth      prometheus.Gauge
	Offspring      prometheus.Counter
	Culled         prometheus.Counter
	ExhaustedSlots prometheus.Counter
	GeneEvents     *prometheus.CounterVec
	EpisodeTicks   prometheus.Histogram
	TickDuration   prometheus.Histogram
}

// NewMetrics creates the instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Name: "nwse_generation",
			Help: "Current generation number",
		}),
		Population: f.NewGauge(prometheus.GaugeOpts{
			Name: "nwse_population_size",
			Help: "Number of live individuals",
		}),
		BestFitness: f.NewGauge(prometheus.GaugeOpts{
			Name: "nwse_best_fitness",
			Help: "Best fitness of the last evaluated generation",
		}),
		TreeDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "nwse_tree_depth",
			Help: "Depth of the lineage tree",
		}),
		Offspring: f.NewCounter(prometheus.CounterOpts{
			Name: "nwse_offspring_total",
			Help: "Total offspring produced",
		}),
		Culled: f.NewCounter(prometheus.CounterOpts{
			Name: "nwse_culled_total",
			Help: "Total individuals removed for low reliability",
		}),
		ExhaustedSlots: f.NewCounter(prometheus.CounterOpts{
			Name: "nwse_mutation_exhausted_total",
			Help: "Reproduction slots skipped because no unique offspring was found",
		}),
		GeneEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nwse_gene_validity_total",
			Help: "Inference genes reported by validity",
		}, []string{"validity"}),
		EpisodeTicks: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nwse_episode_ticks",
			Help:    "Ticks per evaluation episode",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nwse_tick_duration_seconds",
			Help:    "Network activation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10µs to ~80ms
		}),
	}
}
