package main

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/gwasflow/internal/api/response"
	"github.com/kiranshivaraju/gwasflow/internal/cache"
	"github.com/kiranshivaraju/gwasflow/internal/store"
)

// readiness is implemented by executors backed by a remote service.
type readiness interface {
	Ready(ctx context.Context) error
}

// healthHandler checks database, cache and, when b is non-nil, batch service connectivity.
func healthHandler(s store.Store, c cache.Cache, b readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if b != nil {
			checks["batch"] = "ok"
			if err := b.Ready(r.Context()); err != nil {
				checks["batch"] = "degraded"
			}
		}

		for _, state := range checks {
			if state != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
