package handler

import (
	"net/http"

	"github.com/sparlohq/sparlo/internal/api/response"
	"github.com/sparlohq/sparlo/internal/cache"
	"github.com/sparlohq/sparlo/internal/store"
)

// Health reports whether the service and its dependencies are reachable.
func Health(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}
		healthy := true

		if err := st.Ping(r.Context()); err != nil {
			checks["database"] = "unreachable"
			healthy = false
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["redis"] = "unreachable"
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "Dependency check failed", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
