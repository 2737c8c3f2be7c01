// Package status exposes a small operational HTTP endpoint mirroring
// the queue state: worker identity, uptime, tick recency and queue
// depth per job status.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapflow/internal/models"
)

// Counter provides queue depths for the status payload.
type Counter interface {
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// WorkerInfo provides the running worker's identity and timing.
type WorkerInfo interface {
	ID() string
	LastTick() time.Time
	StartedAt() time.Time
}

// Server serves the status endpoint.
type Server struct {
	worker  WorkerInfo
	counter Counter
	srv     *http.Server
}

// NewServer builds the router and its middleware chain.
func NewServer(addr string, worker WorkerInfo, counter Counter) *Server {
	s := &Server{worker: worker, counter: counter}

	router := mux.NewRouter()
	chain := alice.New(requestLogger)
	router.Handle("/status", chain.ThenFunc(s.handleStatus)).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves in the background. Listen errors other than a clean
// shutdown are logged, not fatal: the status surface is optional.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server stopped")
		}
	}()
}

// Shutdown stops the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.counter.CountJobsByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}

	payload := map[string]interface{}{
		"status":         "running",
		"worker_id":      s.worker.ID(),
		"uptime_seconds": int(time.Since(s.worker.StartedAt()).Seconds()),
		"last_tick":      s.worker.LastTick(),
		"jobs":           counts,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode status response")
	}
}

// requestLogger logs each status request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Status request")
	})
}
