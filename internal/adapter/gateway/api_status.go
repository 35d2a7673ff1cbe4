package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/adapter/llm"
)

// Metrics tracks gateway counters for the status API.
type Metrics struct {
	FramesRecv      atomic.Int64
	FramesSent      atomic.Int64
	ResultsSent     atomic.Int64
	SessionsTotal   atomic.Int64
	SessionsAborted atomic.Int64
}

// Metrics exposes the gateway's counters, mainly for tests and the status
// handler.
func (s *Server) Metrics() *Metrics { return s.metrics }

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Gateway  GatewayStatus         `json:"gateway"`
	Sessions SessionStatus         `json:"sessions"`
	Agents   int                   `json:"agents"`
	Circuits []llm.BreakerSnapshot `json:"circuits"`
}

// GatewayStatus holds gateway overview info.
type GatewayStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	FramesRecv    int64  `json:"frames_recv"`
	FramesSent    int64  `json:"frames_sent"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Total   int64 `json:"total"`
	Aborted int64 `json:"aborted"`
}

// RegisterStatusRoutes wires the operational HTTP surface: a liveness
// probe, the per-provider circuit states, and an overall status document.
// Must be called before Start().
func (s *Server) RegisterStatusRoutes(registry *llm.Registry, agentCount int) {
	s.RegisterHTTPRoute("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.RegisterHTTPRoute("/api/v1/circuits", circuitsHandler(registry))
	s.RegisterHTTPRoute("/api/v1/status", s.statusHandler(registry, agentCount))
}

// circuitsHandler returns an HTTP handler for GET /api/v1/circuits.
func circuitsHandler(registry *llm.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(registry.Snapshots())
	}
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func (s *Server) statusHandler(registry *llm.Registry, agentCount int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Gateway: GatewayStatus{
				Name:          "biblestudy-gateway",
				UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
				FramesRecv:    s.metrics.FramesRecv.Load(),
				FramesSent:    s.metrics.FramesSent.Load(),
			},
			Sessions: SessionStatus{
				Total:   s.metrics.SessionsTotal.Load(),
				Aborted: s.metrics.SessionsAborted.Load(),
			},
			Agents:   agentCount,
			Circuits: registry.Snapshots(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
