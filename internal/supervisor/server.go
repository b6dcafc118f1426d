package supervisor

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/shardvisor/internal/cluster"
)

const maxHeartbeatBody = 64 << 10

// Server is the control-plane HTTP handler:
//
//	POST /heartbeat  ingest a cluster heartbeat, always 200 with empty body
//	GET  /health     aggregated cluster health as JSON
//	GET  /metrics    Prometheus metrics
type Server struct {
	manager *Manager
	logger  *zap.Logger
	router  chi.Router
}

// NewServer builds the control-plane router for m.
func NewServer(m *Manager) *Server {
	s := &Server{
		manager: m,
		logger:  m.logger.With(zap.String("handler", "control")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHeartbeat never reports an error to the caller. Cluster processes
// are not expected to retry, so a bad or unroutable report is dropped and
// answered with 200 like a good one.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb cluster.Heartbeat
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHeartbeatBody)).Decode(&hb); err != nil {
		s.manager.metrics.DroppedHeartbeats.WithLabelValues(dropMalformed).Inc()
		s.logger.Debug("Discarding malformed heartbeat", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.manager.Ingest(hb) {
		s.logger.Debug("Discarding unroutable heartbeat", zap.Intp("shard_id", hb.ShardID))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.Health()); err != nil {
		s.logger.Warn("Failed to write health report", zap.Error(err))
	}
}
