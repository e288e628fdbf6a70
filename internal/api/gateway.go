// Package api holds the HTTP surface: the WebSocket upgrade endpoint apps dial
// into and the REST inspection and command routes agents use.
package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/pulselink/pulselink-server/internal/broker"
)

// GatewayHandler serves the WebSocket upgrade endpoint apps connect to.
type GatewayHandler struct {
	hub *broker.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *broker.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET / and GET /:id. The optional path segment is the
// controller id baked into the pairing QR link; the app reads it from its own
// URL and names it in the bind handshake, so the server only needs to upgrade
// and serve. Each connection still receives a freshly minted id of its own.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
