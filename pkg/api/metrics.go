package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/kiln/pkg/session"
)

var (
	metricJobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Name:      "api_jobs_submitted_total",
		Help:      "Training jobs submitted through the control-plane API.",
	})
	metricEventStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Name:      "api_event_stream_clients",
		Help:      "Connected job event stream WebSocket clients.",
	})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Name:      "api_request_duration_seconds",
		Help:      "Control-plane request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// handleMetrics serves the Prometheus registry. Unless public_metrics
// is set, the caller needs at least viewer scope.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Serve.PublicMetrics {
		token := bearerToken(r)
		p := s.resolvePrincipal(token)
		if token == "" && !s.cfg.Serve.RequireToken {
			p = &principal{Subject: "local", Scope: session.ScopeOperator}
		}
		if p == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !session.ScopeAllows(p.Scope, session.ScopeViewer) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}
