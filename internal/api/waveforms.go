package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/pulselink/pulselink-server/internal/httputil"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

// WaveformHandler serves the waveform library routes.
type WaveformHandler struct {
	lib *waveform.Library
}

// NewWaveformHandler creates a new waveform handler.
func NewWaveformHandler(lib *waveform.Library) *WaveformHandler {
	return &WaveformHandler{lib: lib}
}

// List handles GET /api/v1/waveforms.
func (h *WaveformHandler) List(c fiber.Ctx) error {
	return httputil.Success(c, h.lib.List())
}

// Get handles GET /api/v1/waveforms/:name.
func (h *WaveformHandler) Get(c fiber.Ctx) error {
	wf, err := h.lib.Get(c.Params("name"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, err.Error())
	}
	return httputil.Success(c, wf)
}
