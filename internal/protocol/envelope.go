// Package protocol implements the text-in-JSON wire protocol spoken between the
// relay, its synthetic controllers, and the companion apps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried in the envelope's "type" field. Types outside this set
// are forwarded to the peer verbatim.
const (
	TypeBind      = "bind"
	TypeMsg       = "msg"
	TypeHeartbeat = "heartbeat"
	TypeBreak     = "break"
	TypeError     = "error"
)

// Reply codes placed in the envelope's "message" field. The apps match on the
// literal three-digit strings, so these must never be reformatted.
const (
	CodeOK               = "200"
	CodePeerDisconnected = "209"
	CodeAlreadyBound     = "400"
	CodeTargetMissing    = "401"
	CodeNotPaired        = "402"
	CodeBadJSON          = "403"
	CodeRecipientOffline = "404"
	CodeOversize         = "405"
	CodeInternal         = "500"
)

// BindPayload is the handshake payload the app sends to pair with a controller.
const BindPayload = "DGLAB"

// bindAssignPayload tells a freshly connected peer which field of the greeting
// carries its assigned id.
const bindAssignPayload = "targetId"

// Sentinel errors for codec failure modes.
var (
	ErrBadEnvelope = errors.New("malformed wire envelope")
	ErrBadPayload  = errors.New("malformed message payload")
)

// Envelope is the four-field JSON object exchanged on every broker connection.
// Channel and Time are optional extensions some app builds attach; they are
// preserved when forwarding.
type Envelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	Time     int64  `json:"time,omitempty"`
}

// Encode serialises the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses a wire frame into an envelope. A frame that is not a JSON
// object with a string "type" field is rejected with ErrBadEnvelope.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return e, nil
}

// NewAssignEnvelope is the greeting sent immediately after an upgrade so the
// new peer learns the id the broker minted for it.
func NewAssignEnvelope(clientID string) Envelope {
	return Envelope{Type: TypeBind, ClientID: clientID, TargetID: "", Message: bindAssignPayload}
}

// NewBindResultEnvelope reports the outcome of a pairing handshake to a peer.
func NewBindResultEnvelope(controllerID, appID, code string) Envelope {
	return Envelope{Type: TypeBind, ClientID: controllerID, TargetID: appID, Message: code}
}

// NewHeartbeatEnvelope is the periodic liveness frame. TargetID is the peer's
// id when paired and empty otherwise.
func NewHeartbeatEnvelope(clientID, targetID string) Envelope {
	return Envelope{Type: TypeHeartbeat, ClientID: clientID, TargetID: targetID, Message: CodeOK}
}

// NewBreakEnvelope notifies a peer that its counterpart disconnected.
func NewBreakEnvelope(clientID, targetID string) Envelope {
	return Envelope{Type: TypeBreak, ClientID: clientID, TargetID: targetID, Message: CodePeerDisconnected}
}

// NewErrorEnvelope is a control reply carrying one of the reply codes back to
// the offending sender.
func NewErrorEnvelope(clientID, targetID, code string) Envelope {
	return Envelope{Type: TypeError, ClientID: clientID, TargetID: targetID, Message: code}
}

// NewDataEnvelope wraps a data-plane payload travelling controller -> app.
func NewDataEnvelope(controllerID, appID, payload string) Envelope {
	return Envelope{Type: TypeMsg, ClientID: controllerID, TargetID: appID, Message: payload}
}
