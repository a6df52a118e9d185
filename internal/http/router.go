package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"remindworker/internal/jobs"
	"remindworker/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[jobs.Status]int64, error)
}

// NewRouter serves the worker's operational endpoints: liveness, queue
// stats and prometheus metrics.
func NewRouter(db Pinger, stats StatusCounter, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		counts, err := stats.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counts)
	})

	promHandler := m.Handler()
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		// queue depth is read on scrape; a failed read keeps the last values
		if counts, err := stats.CountByStatus(r.Context()); err == nil {
			for status, n := range counts {
				m.SetQueueJobs(string(status), n)
			}
		}
		promHandler.ServeHTTP(w, r)
	})

	return r
}
