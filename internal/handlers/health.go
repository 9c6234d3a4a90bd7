package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports dependency health. Components that are not
// configured are reported as "disabled". The peer link is reported but does
// not affect readiness: a bridge that is retrying is working as intended.
type ReadyResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Link     string `json:"link"`
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func ReadyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := ReadyResponse{
			Status:   "ready",
			Database: "disabled",
			Redis:    "disabled",
			Link:     deps.Link.State().String(),
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		// Check database connection
		if deps.Conns.DB != nil {
			response.Database = "ok"
			if err := deps.Conns.PingDB(ctx); err != nil {
				response.Database = "error"
				response.Status = "not ready"
			}
		}

		// Check Redis connection
		if deps.Conns.Redis != nil {
			response.Redis = "ok"
			if err := deps.Conns.Redis.Ping(ctx); err != nil {
				response.Redis = "error"
				response.Status = "not ready"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if response.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	}
}
