package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/recorder"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type connectionState interface {
	State() connection.State
	ErrorReason() *protocol.ErrorInfo
}

type writerStats interface {
	Stats() recorder.Stats
}

type sourceStats interface {
	Stats() recorder.SourceStats
}

// newHealthHandler reports database reachability, connection state and
// recorder counters.
func newHealthHandler(db pinger, conn connectionState, writer writerStats, source sourceStats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := db.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		state := conn.State()
		realtime := map[string]any{"state": state.String()}
		if reason := conn.ErrorReason(); reason != nil {
			realtime["error"] = reason.Error()
		}
		health.Components["realtime"] = realtime
		switch state {
		case connection.StateConnected:
		case connection.StateFailed, connection.StateClosed:
			health.Status = "unhealthy"
		default:
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		ws := writer.Stats()
		ss := source.Stats()
		health.Components["recorder"] = map[string]int64{
			"messages":      ss.Messages,
			"state_changes": ss.StateChanges,
			"dropped":       ss.Dropped,
			"inserts":       ws.Inserts,
			"conflicts":     ws.Conflicts,
			"errors":        ws.Errors,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
