// Package statusapi implements the dispatcher's external HTTP surface:
// the worker status query and stream of spec.md §6, a Prometheus /metrics
// endpoint, and process health probes, routed with gorilla/mux the way the
// teacher stack's HTTP servers are built.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/pool"
)

// WorkerStatusSource is the slice of pool.Pool the status API needs.
type WorkerStatusSource interface {
	WorkerStatus(ctx context.Context, key string) pool.WorkerStatus
}

// Server is the dispatcher's status/health/metrics HTTP server.
type Server struct {
	pools    map[string]WorkerStatusSource
	registry *prometheus.Registry
	logger   *logrus.Entry
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds a Server. pools maps pool id to its facade; any pool may
// answer a status query since keys are globally unique across pools in
// practice (a key belongs to exactly one pool's request exchange).
func New(pools map[string]WorkerStatusSource, registry *prometheus.Registry, logger *logrus.Entry) *Server {
	s := &Server{
		pools:    pools,
		registry: registry,
		logger:   logger,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz/detail", s.handleHealthDetail).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// statusResponse mirrors spec.md §6: "{workers: {a: {status: Loading|Ready}, ...}}".
type statusResponse struct {
	Workers map[string]workerEntry `json:"workers"`
}

type workerEntry struct {
	Status pool.APIStatus `json:"status"`
}

func (s *Server) resolveKeys(ctx context.Context, keys []string) statusResponse {
	resp := statusResponse{Workers: make(map[string]workerEntry, len(keys))}
	for _, key := range keys {
		best := pool.Unscheduled
		// A key belongs to exactly one pool's request exchange; the first
		// pool to claim it (status != Unscheduled) wins.
		for _, p := range s.pools {
			if status := p.WorkerStatus(ctx, key); status != pool.Unscheduled {
				best = status
				break
			}
		}
		if best == pool.Unscheduled {
			// Absent keys imply Unscheduled to the caller (spec.md §6);
			// the response simply omits them.
			continue
		}
		resp.Workers[key] = workerEntry{Status: best.ToAPIStatus()}
	}
	return resp
}

func parseKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	keys := parseKeys(r.URL.Query().Get("keys"))
	resp := s.resolveKeys(r.Context(), keys)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStatusStream pushes a statusResponse for the requested keys every
// two seconds over a websocket, for callers that want live updates instead
// of polling GET /status.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	keys := parseKeys(r.URL.Query().Get("keys"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("status stream upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		resp := s.resolveKeys(ctx, keys)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
