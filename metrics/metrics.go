// Package metrics exposes Prometheus instrumentation for the TEE service and
// a standalone metrics HTTP server, kept off the main listener so operational
// scraping never competes with data-plane traffic.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsTotal counts ingestion attempts by outcome.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tee_uploads_total",
		Help: "Dataset ingestion attempts by outcome.",
	}, []string{"status"})

	// QueriesTotal counts sandbox query executions by outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tee_queries_total",
		Help: "Sandbox query executions by outcome.",
	}, []string{"status"})

	// QueryDuration observes wall-clock query execution time.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tee_query_duration_seconds",
		Help:    "Wall-clock sandbox query execution time.",
		Buckets: prometheus.DefBuckets,
	})

	// CallbackFailuresTotal counts control-plane callbacks that could not be
	// delivered. Delivery failures are swallowed, so this is the only signal.
	CallbackFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tee_callback_failures_total",
		Help: "Control-plane status callbacks that failed to deliver.",
	})
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr, serving /metrics.
func New(addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
