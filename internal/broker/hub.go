// Package broker terminates the app-facing WebSocket endpoint, maintains the
// client registry and controller-app pairing relation, forwards data-plane
// messages, and drives outbound heartbeats.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/metrics"
	"github.com/pulselink/pulselink-server/internal/protocol"
)

// Hub is the central connection registry and message switch. Agents register
// synthetic controllers through it, apps connect over WebSocket, and the DGLAB
// handshake pairs the two sides.
type Hub struct {
	heartbeatInterval time.Duration
	log               zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	pairs   map[string]string // both directions of every relation
	obs     Observer
}

// NewHub creates a new broker hub.
func NewHub(heartbeatInterval time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		heartbeatInterval: heartbeatInterval,
		log:               logger.With().Str("component", "broker").Logger(),
		clients:           make(map[string]*Client),
		pairs:             make(map[string]string),
		obs:               NopObserver{},
	}
}

// SetObserver installs the lifecycle observer. Call before serving traffic.
func (h *Hub) SetObserver(obs Observer) {
	h.mu.Lock()
	h.obs = obs
	h.mu.Unlock()
}

func (h *Hub) observer() Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.obs
}

// ServeWebSocket enrolls a freshly upgraded connection, greets it with its
// assigned id, and runs the read pump until the connection drops. It blocks
// for the lifetime of the connection.
func (h *Hub) ServeWebSocket(conn Conn) {
	id := uuid.NewString()
	client := newClient(h, id, conn, h.log)

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(h.ClientCount()))
	h.log.Debug().Str("client_id", id).Msg("Client connected")

	go client.writePump()
	h.reply(client, protocol.NewAssignEnvelope(id))
	client.readPump()
}

// RegisterController enrolls a synthetic controller entry with no transport
// and returns its assigned id. Outbound writes to it are discarded.
func (h *Hub) RegisterController() string {
	id := uuid.NewString()
	client := newClient(h, id, nil, h.log)
	client.setRole(RoleController)

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(h.ClientCount()))
	h.log.Debug().Str("client_id", id).Msg("Synthetic controller registered")
	return id
}

// handleInbound demultiplexes one inbound frame from a connected client.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	if len(raw) > maxMessageSize {
		h.reply(c, protocol.NewErrorEnvelope(c.id, "", protocol.CodeOversize))
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		h.reply(c, protocol.NewErrorEnvelope(c.id, "", protocol.CodeBadJSON))
		return
	}

	c.touch()
	metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

	if env.Type == protocol.TypeBind && env.Message == protocol.BindPayload {
		h.handleBind(c, env)
		return
	}

	// Outside the bind handshake a frame must name its sender.
	if env.ClientID != c.id && env.TargetID != c.id {
		h.reply(c, protocol.NewErrorEnvelope(c.id, "", protocol.CodeRecipientOffline))
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		// Liveness only; lastActive is already refreshed.
	case protocol.TypeMsg:
		h.handleMsg(c, env, raw)
	default:
		// Unrecognized types are forwarded verbatim to the peer.
		h.forward(c, raw)
	}
}

// handleBind processes the DGLAB pairing handshake. The clientId side of the
// envelope becomes the controller and the targetId side becomes the app,
// regardless of which endpoint physically sent the frame.
func (h *Hub) handleBind(c *Client, env protocol.Envelope) {
	ctrlID, appID := env.ClientID, env.TargetID
	if ctrlID == "" || appID == "" {
		h.reply(c, protocol.NewBindResultEnvelope(ctrlID, appID, protocol.CodeTargetMissing))
		return
	}

	h.mu.Lock()
	ctrl, okCtrl := h.clients[ctrlID]
	app, okApp := h.clients[appID]
	if !okCtrl || !okApp {
		h.mu.Unlock()
		h.reply(c, protocol.NewBindResultEnvelope(ctrlID, appID, protocol.CodeTargetMissing))
		return
	}
	if _, paired := h.pairs[ctrlID]; paired {
		h.mu.Unlock()
		h.reply(c, protocol.NewBindResultEnvelope(ctrlID, appID, protocol.CodeAlreadyBound))
		return
	}
	if _, paired := h.pairs[appID]; paired {
		h.mu.Unlock()
		h.reply(c, protocol.NewBindResultEnvelope(ctrlID, appID, protocol.CodeAlreadyBound))
		return
	}
	h.pairs[ctrlID] = appID
	h.pairs[appID] = ctrlID
	h.mu.Unlock()

	ctrl.setRole(RoleController)
	ctrl.setPeer(appID)
	app.setRole(RoleApp)
	app.setPeer(ctrlID)

	metrics.PairsActive.Set(float64(h.PairCount()))

	result := protocol.NewBindResultEnvelope(ctrlID, appID, protocol.CodeOK)
	h.reply(ctrl, result)
	h.reply(app, result)

	h.log.Info().Str("controller_id", ctrlID).Str("app_id", appID).Msg("Pair bound")
	h.observer().BindChange(ctrlID, appID)
}

// handleMsg fires telemetry observers for strength and feedback payloads, then
// forwards the original frame to the paired peer.
func (h *Hub) handleMsg(c *Client, env protocol.Envelope, raw []byte) {
	peerID, paired := h.PeerOf(c.id)
	if paired {
		controllerID := c.id
		if c.Role() == RoleApp {
			controllerID = peerID
		}
		switch {
		case protocol.IsStrengthPayload(env.Message):
			if report, err := protocol.ParseStrengthReport(env.Message); err == nil {
				h.observer().StrengthUpdate(controllerID, report)
			}
		case protocol.IsFeedbackPayload(env.Message):
			if index, err := protocol.ParseFeedback(env.Message); err == nil {
				h.observer().Feedback(controllerID, index)
			}
		}
	}
	h.forward(c, raw)
}

// forward relays a frame to the sender's paired peer, replying 402 when the
// sender is unpaired and 404 when the peer has vanished from the registry.
func (h *Hub) forward(c *Client, raw []byte) {
	h.mu.RLock()
	peerID, paired := h.pairs[c.id]
	peer := h.clients[peerID]
	h.mu.RUnlock()

	if !paired {
		h.reply(c, protocol.NewErrorEnvelope(c.id, "", protocol.CodeNotPaired))
		return
	}
	if peer == nil {
		h.reply(c, protocol.NewErrorEnvelope(c.id, peerID, protocol.CodeRecipientOffline))
		return
	}
	if !peer.enqueue(raw) {
		metrics.ForwardFailures.Inc()
		return
	}
	metrics.MessagesSent.Inc()
}

// handleClose runs the close cascade when an endpoint's read pump exits.
// Closing apps leave their controllers registered so the session layer can
// open a reconnection window; closing controllers are removed outright.
func (h *Hub) handleClose(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	peerID, paired := h.pairs[c.id]
	if paired {
		delete(h.pairs, c.id)
		delete(h.pairs, peerID)
	}
	peer := h.clients[peerID]
	h.mu.Unlock()

	c.closeSend()
	metrics.ConnectionsActive.Set(float64(h.ClientCount()))
	metrics.PairsActive.Set(float64(h.PairCount()))

	if peer != nil {
		peer.setPeer("")
		h.reply(peer, protocol.NewBreakEnvelope(c.id, peerID))
	}

	obs := h.observer()
	switch c.Role() {
	case RoleApp:
		// Departure first: observers matching sessions by their bound app id
		// must see the relation before the bind-change clears it.
		obs.AppDisconnect(c.id)
		if paired {
			// peerID is the controller left behind.
			obs.BindChange(peerID, "")
		}
		h.log.Info().Str("app_id", c.id).Msg("App disconnected")
	case RoleController:
		if paired {
			obs.BindChange(c.id, "")
		}
		obs.ControllerDisconnect(c.id)
		h.log.Info().Str("controller_id", c.id).Msg("Controller disconnected")
	default:
		h.log.Debug().Str("client_id", c.id).Msg("Unbound client disconnected")
	}
}

// DisconnectController removes a controller entry on agent request. The paired
// app, if any, is notified with a break frame before the relation dissolves.
func (h *Hub) DisconnectController(controllerID string) bool {
	h.mu.Lock()
	c, ok := h.clients[controllerID]
	if !ok || c.Role() != RoleController {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, controllerID)
	peerID, paired := h.pairs[controllerID]
	if paired {
		delete(h.pairs, controllerID)
		delete(h.pairs, peerID)
	}
	peer := h.clients[peerID]
	h.mu.Unlock()

	if peer != nil {
		peer.setPeer("")
		h.reply(peer, protocol.NewBreakEnvelope(controllerID, peerID))
	}
	c.closeTransport()

	metrics.ConnectionsActive.Set(float64(h.ClientCount()))
	metrics.PairsActive.Set(float64(h.PairCount()))

	obs := h.observer()
	if paired {
		obs.BindChange(controllerID, "")
	}
	obs.ControllerDisconnect(controllerID)
	h.log.Info().Str("controller_id", controllerID).Msg("Controller disconnected by agent")
	return true
}

// SendToApp delivers a data-plane payload from a controller to its paired app.
func (h *Hub) SendToApp(controllerID, payload string) error {
	h.mu.RLock()
	c, ok := h.clients[controllerID]
	peerID, paired := h.pairs[controllerID]
	peer := h.clients[peerID]
	h.mu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}
	if !paired || peer == nil {
		return ErrNotPaired
	}

	raw, err := protocol.NewDataEnvelope(controllerID, peerID, payload).Encode()
	if err != nil {
		return err
	}
	if !peer.enqueue(raw) {
		metrics.ForwardFailures.Inc()
		return ErrSendFailed
	}
	c.touch()
	metrics.MessagesSent.Inc()
	return nil
}

// IsPaired reports whether the client currently has a pairing relation.
func (h *Hub) IsPaired(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, paired := h.pairs[clientID]
	return paired
}

// PeerOf returns the paired peer of the given client.
func (h *Hub) PeerOf(clientID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peerID, paired := h.pairs[clientID]
	return peerID, paired
}

// Client returns the registry entry for an id.
func (h *Hub) Client(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// ClientCount returns the number of registered endpoints.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PairCount returns the number of pairing relations.
func (h *Hub) PairCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pairs) / 2
}

// RunHeartbeat emits periodic heartbeats to every registered endpoint until
// the context is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.reply(c, protocol.NewHeartbeatEnvelope(c.id, c.PeerID()))
	}
}

// Shutdown closes every transport and clears the registry and relation.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[string]*Client)
	h.pairs = make(map[string]string)
	h.mu.Unlock()

	for _, c := range targets {
		c.closeTransport()
	}

	metrics.ConnectionsActive.Set(0)
	metrics.PairsActive.Set(0)
	h.log.Info().Msg("Broker hub shut down")
}

// reply serialises an envelope and best-effort delivers it to one client.
func (h *Hub) reply(c *Client, env protocol.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode envelope")
		return
	}
	if c.enqueue(raw) && !c.Synthetic() {
		metrics.MessagesSent.Inc()
	}
}
