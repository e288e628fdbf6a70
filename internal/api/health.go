package api

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/httputil"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/session"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	hub     *broker.Hub
	store   *session.Store
	sched   *playback.Scheduler
	started time.Time
}

// NewHealthHandler creates a health handler anchored at the process start.
func NewHealthHandler(hub *broker.Hub, store *session.Store, sched *playback.Scheduler) *HealthHandler {
	return &HealthHandler{hub: hub, store: store, sched: sched, started: time.Now()}
}

// Health handles GET /api/v1/health.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"status":          "ok",
		"uptimeSeconds":   int64(time.Since(h.started).Seconds()),
		"clients":         h.hub.ClientCount(),
		"pairs":           h.hub.PairCount(),
		"sessions":        h.store.Count(),
		"activePlaybacks": h.sched.ActiveCount(),
	})
}
