package api

import (
	"errors"
	"net"

	"github.com/gofiber/fiber/v3"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/control"
	"github.com/pulselink/pulselink-server/internal/httputil"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/protocol"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

// DeviceHandler serves the device command and inspection routes.
type DeviceHandler struct {
	svc *control.Service
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(svc *control.Service) *DeviceHandler {
	return &DeviceHandler{svc: svc}
}

type createDeviceRequest struct {
	Alias string `json:"alias"`
}

// Create handles POST /api/v1/devices.
func (h *DeviceHandler) Create(c fiber.Ctx) error {
	var req createDeviceRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, "Invalid request body")
	}
	snap, err := h.svc.CreateDevice(req.Alias)
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, snap)
}

// List handles GET /api/v1/devices.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	return httputil.Success(c, h.svc.Devices())
}

// Get handles GET /api/v1/devices/:id.
func (h *DeviceHandler) Get(c fiber.Ctx) error {
	snap, err := h.svc.Device(c.Params("id"))
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, snap)
}

// Delete handles DELETE /api/v1/devices/:id.
func (h *DeviceHandler) Delete(c fiber.Ctx) error {
	if err := h.svc.RemoveDevice(c.Params("id")); err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"removed": true})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

// SetAlias handles PATCH /api/v1/devices/:id/alias.
func (h *DeviceHandler) SetAlias(c fiber.Ctx) error {
	var req aliasRequest
	if err := c.Bind().Body(&req); err != nil || req.Alias == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, "Alias is required")
	}
	if err := h.svc.SetAlias(c.Params("id"), req.Alias); err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"alias": req.Alias})
}

// Reconnect handles POST /api/v1/devices/:id/reconnect. It replaces a lost
// controller endpoint while the session's reconnection window is open.
func (h *DeviceHandler) Reconnect(c fiber.Ctx) error {
	snap, err := h.svc.ReconnectController(c.Params("id"))
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, snap)
}

// QR handles GET /api/v1/devices/:id/qr. The pairing link host falls back to
// the Host header when no public IP is configured.
func (h *DeviceHandler) QR(c fiber.Ctx) error {
	host := c.Hostname()
	if bare, _, err := net.SplitHostPort(host); err == nil {
		host = bare
	}
	url, err := h.svc.QRURL(c.Params("id"), host)
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"url": url})
}

type strengthRequest struct {
	Channel string `json:"channel"`
	Mode    int    `json:"mode"`
	Value   int    `json:"value"`
}

// SendStrength handles POST /api/v1/devices/:id/strength. Mode follows the
// wire encoding: 0 decrease, 1 increase, 2 set.
func (h *DeviceHandler) SendStrength(c fiber.Ctx) error {
	var req strengthRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, "Invalid request body")
	}
	err := h.svc.SendStrength(c.Params("id"), protocol.Channel(req.Channel), protocol.StrengthMode(req.Mode), req.Value)
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sent": true})
}

type waveformRequest struct {
	Channel string   `json:"channel"`
	Name    string   `json:"name"`
	Frames  []string `json:"frames"`
}

// SendWaveform handles POST /api/v1/devices/:id/waveform. The body names a
// library waveform or carries raw frames.
func (h *DeviceHandler) SendWaveform(c fiber.Ctx) error {
	var req waveformRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, "Invalid request body")
	}
	ch := protocol.Channel(req.Channel)
	var err error
	if req.Name != "" {
		err = h.svc.SendWaveformByName(c.Params("id"), ch, req.Name)
	} else {
		err = h.svc.SendWaveform(c.Params("id"), ch, req.Frames)
	}
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"sent": true})
}

// ClearWaveform handles DELETE /api/v1/devices/:id/waveform/:channel.
func (h *DeviceHandler) ClearWaveform(c fiber.Ctx) error {
	if err := h.svc.ClearWaveform(c.Params("id"), protocol.Channel(c.Params("channel"))); err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"cleared": true})
}

type playbackRequest struct {
	Channel     string   `json:"channel"`
	Name        string   `json:"name"`
	Frames      []string `json:"frames"`
	BatchSize   int      `json:"batchSize"`
	BufferRatio float64  `json:"bufferRatio"`
}

// StartPlayback handles POST /api/v1/devices/:id/playback.
func (h *DeviceHandler) StartPlayback(c fiber.Ctx) error {
	var req playbackRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, "Invalid request body")
	}
	ch := protocol.Channel(req.Channel)
	var err error
	if req.Name != "" {
		err = h.svc.StartPlaybackByName(c.Params("id"), ch, req.Name, req.BatchSize, req.BufferRatio)
	} else {
		err = h.svc.StartPlayback(c.Params("id"), ch, req.Frames, req.BatchSize, req.BufferRatio)
	}
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"started": true})
}

// StopPlayback handles DELETE /api/v1/devices/:id/playback/:channel.
func (h *DeviceHandler) StopPlayback(c fiber.Ctx) error {
	stopped, err := h.svc.StopPlayback(c.Params("id"), protocol.Channel(c.Params("channel")))
	if err != nil {
		return failFromError(c, err)
	}
	return httputil.Success(c, fiber.Map{"stopped": stopped})
}

// PlaybackStatus handles GET /api/v1/devices/:id/playback/:channel.
func (h *DeviceHandler) PlaybackStatus(c fiber.Ctx) error {
	status, running, err := h.svc.PlaybackStatus(c.Params("id"), protocol.Channel(c.Params("channel")))
	if err != nil {
		return failFromError(c, err)
	}
	if !running {
		return httputil.Success(c, fiber.Map{"running": false})
	}
	return httputil.Success(c, fiber.Map{"running": true, "playback": status})
}

// failFromError maps service errors onto HTTP responses.
func failFromError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, control.ErrDeviceNotFound), errors.Is(err, waveform.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, err.Error())
	case errors.Is(err, control.ErrNotBound), errors.Is(err, playback.ErrNotPaired):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeNotBound, err.Error())
	case errors.Is(err, session.ErrAliasTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, broker.ErrNotPaired), errors.Is(err, broker.ErrClientNotFound):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeNotBound, err.Error())
	case errors.Is(err, broker.ErrSendFailed):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeInternal, err.Error())
	default:
		// Validation failures from the waveform and playback layers land here.
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidInput, err.Error())
	}
}
