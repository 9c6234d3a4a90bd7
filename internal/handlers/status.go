package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/m0rjc/WatchBridge/internal/db/linksession"
)

type StatusResponse struct {
	Peer            string `json:"peer"`
	Subprotocol     string `json:"subprotocol"`
	Link            string `json:"link"`
	LocalMode       string `json:"local_mode"`
	LocalConnected  *bool  `json:"local_connected,omitempty"`
	ConnectAttempts int64  `json:"connect_attempts"`
	FramesIn        int64  `json:"frames_in"`
	FramesOut       int64  `json:"frames_out"`
	FramesDropped   int64  `json:"frames_dropped"`
	FramesMalformed int64  `json:"frames_malformed"`
}

// StatusHandler handles GET /status with the live link state and counters.
func StatusHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stats := deps.Link.Stats()
		endpoint := deps.Link.Endpoint()
		response := StatusResponse{
			Peer:            endpoint.String(),
			Subprotocol:     endpoint.Subprotocol(),
			Link:            deps.Link.State().String(),
			LocalMode:       deps.Config.Local.Mode,
			ConnectAttempts: stats.ConnectAttempts,
			FramesIn:        stats.FramesIn,
			FramesOut:       stats.FramesOut,
			FramesDropped:   stats.FramesDropped,
			FramesMalformed: stats.FramesMalformed,
		}
		if deps.Local != nil {
			connected := deps.Local.IsConnected()
			response.LocalConnected = &connected
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

type SessionResponse struct {
	ID              uint       `json:"id"`
	Peer            string     `json:"peer"`
	InstanceID      string     `json:"instance_id"`
	Generation      uint64     `json:"generation"`
	ConnectedAt     time.Time  `json:"connected_at"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	FramesIn        int64      `json:"frames_in"`
	FramesOut       int64      `json:"frames_out"`
	FramesDropped   int64      `json:"frames_dropped"`
	FramesMalformed int64      `json:"frames_malformed"`
}

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 200
)

// SessionsHandler handles GET /sessions?limit=N, listing recent link sessions
// from the audit database.
func SessionsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.Conns.DB == nil {
			http.Error(w, "Session audit not enabled", http.StatusNotFound)
			return
		}

		limit := defaultSessionLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxSessionLimit)
		}

		sessions, err := linksession.ListRecent(deps.Conns, limit)
		if err != nil {
			slog.Error("handlers.sessions.list_failed",
				"component", "handlers",
				"event", "sessions.db_error",
				"error", err,
			)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		response := make([]SessionResponse, 0, len(sessions))
		for _, s := range sessions {
			response = append(response, SessionResponse{
				ID:              s.ID,
				Peer:            s.PeerURI,
				InstanceID:      s.InstanceID,
				Generation:      s.Generation,
				ConnectedAt:     s.ConnectedAt,
				DisconnectedAt:  s.DisconnectedAt,
				CloseReason:     s.CloseReason,
				FramesIn:        s.FramesIn,
				FramesOut:       s.FramesOut,
				FramesDropped:   s.FramesDropped,
				FramesMalformed: s.FramesMalformed,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}
