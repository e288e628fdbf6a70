package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/control"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

// Register mounts every route on the app. The WebSocket endpoint lives at the
// root because the pairing QR link encodes ws://host:port/<controller-id>.
func Register(app *fiber.App, hub *broker.Hub, store *session.Store, sched *playback.Scheduler, svc *control.Service, lib *waveform.Library) {
	gateway := NewGatewayHandler(hub)
	app.Get("/", gateway.Upgrade)
	app.Get("/:id<guid>", gateway.Upgrade)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	health := NewHealthHandler(hub, store, sched)
	app.Get("/api/v1/health", health.Health)

	waveforms := NewWaveformHandler(lib)
	app.Get("/api/v1/waveforms", waveforms.List)
	app.Get("/api/v1/waveforms/:name", waveforms.Get)

	devices := NewDeviceHandler(svc)
	group := app.Group("/api/v1/devices")
	group.Post("/", devices.Create)
	group.Get("/", devices.List)
	group.Get("/:id", devices.Get)
	group.Delete("/:id", devices.Delete)
	group.Patch("/:id/alias", devices.SetAlias)
	group.Get("/:id/qr", devices.QR)
	group.Post("/:id/reconnect", devices.Reconnect)
	group.Post("/:id/strength", devices.SendStrength)
	group.Post("/:id/waveform", devices.SendWaveform)
	group.Delete("/:id/waveform/:channel", devices.ClearWaveform)
	group.Post("/:id/playback", devices.StartPlayback)
	group.Get("/:id/playback/:channel", devices.PlaybackStatus)
	group.Delete("/:id/playback/:channel", devices.StopPlayback)
}
