package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
	"github.com/alanyoungcy/pulsemarket/internal/pulse"
)

// PulseSource reports the current pulse.
type PulseSource interface {
	Now() domain.Pulse
}

// HealthHandler serves the health-check and pulse endpoints.
type HealthHandler struct {
	pulses    PulseSource
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. mode is the resolution mode
// reported to callers.
func NewHealthHandler(pulses PulseSource, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{pulses: pulses, mode: mode, startedAt: time.Now(), logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"pulse":          h.pulses.Now(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

type pulseResponse struct {
	Pulse  domain.Pulse  `json:"pulse"`
	Moment domain.Moment `json:"moment"`
}

// Pulse returns the current pulse and its moment.
// GET /api/pulse
func (h *HealthHandler) Pulse(w http.ResponseWriter, r *http.Request) {
	p := h.pulses.Now()
	writeJSON(w, http.StatusOK, pulseResponse{Pulse: p, Moment: pulse.MomentAt(p)})
}
