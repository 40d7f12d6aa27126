package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/keepsock/internal/manager"
	"github.com/rickgao/keepsock/internal/version"
)

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(mgr *manager.Manager, mode string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Version    string                 `json:"version"`
			Mode       string                 `json:"mode"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:  "healthy",
			Version: version.String(),
			Mode:    mode,
			Components: map[string]interface{}{
				"connections": stats.Connections,
				"dispatch": map[string]interface{}{
					"invokers":   stats.Invokers,
					"queued":     stats.Queued,
					"dispatched": stats.Dispatched,
				},
				"pool": map[string]interface{}{
					"size":     stats.Pool.Size,
					"running":  stats.Pool.Running,
					"queued":   stats.Pool.Queued,
					"rejected": stats.Pool.Rejected,
				},
			},
		}

		// A client with nothing connected is not doing its job.
		if mode == "client" && stats.Connections == 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
