package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 2 * time.Second

// Pinger is anything the health check can probe: *sql.DB, kv.Store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain ping function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler reports whether the database and the shared store respond.
type HealthHandler struct {
	checks map[string]Pinger
	log    *zap.Logger
}

// NewHealthHandler creates a health handler over named dependencies. Nil
// entries are skipped.
func NewHealthHandler(checks map[string]Pinger, log *zap.Logger) *HealthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	live := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			live[name] = p
		}
	}
	return &HealthHandler{checks: live, log: log}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]string, len(h.checks))

	// probes never fail the group so every check reports
	var g errgroup.Group
	for name, p := range h.checks {
		name, p := name, p
		g.Go(func() error {
			status := "ok"
			if err := p.PingContext(ctx); err != nil {
				status = "unavailable"
				h.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: "ok", Checks: results}
	code := http.StatusOK
	for _, status := range results {
		if status != "ok" {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondWithJSON(w, code, resp)
}
