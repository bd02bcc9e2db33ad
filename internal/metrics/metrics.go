// Package metrics exposes latency histograms for the retrieval pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Buckets tuned for sub-100ms embedding/search targets with a tail for
// reranking, which adds an LLM round trip.
var (
	fastBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1.0}
	rerankBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1.0, 2.5, 5.0}
)

// Metrics holds per-stage latency histograms. Construct once and inject; the
// zero value is not usable.
type Metrics struct {
	Embedding       prometheus.Histogram
	SparseEmbedding prometheus.Histogram
	Search          prometheus.Histogram
	Rerank          prometheus.Histogram
	Retrieval       prometheus.Histogram
}

// New registers the retrieval histograms on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Embedding: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_embedding_latency_seconds",
			Help:    "Time spent generating dense query embeddings",
			Buckets: fastBuckets,
		}),
		SparseEmbedding: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_sparse_embedding_latency_seconds",
			Help:    "Time spent generating sparse query embeddings",
			Buckets: fastBuckets,
		}),
		Search: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_search_latency_seconds",
			Help:    "Time spent querying the vector index",
			Buckets: fastBuckets,
		}),
		Rerank: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_rerank_latency_seconds",
			Help:    "Time spent reranking results",
			Buckets: rerankBuckets,
		}),
		Retrieval: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_retrieval_total_latency_seconds",
			Help:    "Total time for retrieval (embedding + search + optional rerank)",
			Buckets: rerankBuckets,
		}),
	}
}
