package broker

import (
	"errors"

	"github.com/pulselink/pulselink-server/internal/protocol"
)

// Observer receives lifecycle and telemetry callbacks from the Hub. The Hub
// invokes observers outside its own locks; implementations apply updates under
// their own synchronization and must not call back into the Hub while doing so.
type Observer interface {
	// BindChange fires after every successful pairing handshake, and with an
	// empty appID when a relation dissolves.
	BindChange(controllerID, appID string)

	// StrengthUpdate fires when the app reports per-channel strength and limits.
	StrengthUpdate(controllerID string, report protocol.StrengthReport)

	// Feedback fires when the app reports a feedback button index.
	Feedback(controllerID string, index int)

	// ControllerDisconnect fires when a controller endpoint leaves the registry.
	ControllerDisconnect(controllerID string)

	// AppDisconnect fires when an app endpoint closes or errors.
	AppDisconnect(appID string)
}

// Observers fans callbacks out to multiple observers in order.
type Observers []Observer

func (o Observers) BindChange(controllerID, appID string) {
	for _, obs := range o {
		obs.BindChange(controllerID, appID)
	}
}

func (o Observers) StrengthUpdate(controllerID string, report protocol.StrengthReport) {
	for _, obs := range o {
		obs.StrengthUpdate(controllerID, report)
	}
}

func (o Observers) Feedback(controllerID string, index int) {
	for _, obs := range o {
		obs.Feedback(controllerID, index)
	}
}

func (o Observers) ControllerDisconnect(controllerID string) {
	for _, obs := range o {
		obs.ControllerDisconnect(controllerID)
	}
}

func (o Observers) AppDisconnect(appID string) {
	for _, obs := range o {
		obs.AppDisconnect(appID)
	}
}

// NopObserver ignores all callbacks.
type NopObserver struct{}

func (NopObserver) BindChange(string, string)                           {}
func (NopObserver) StrengthUpdate(string, protocol.StrengthReport)      {}
func (NopObserver) Feedback(string, int)                                {}
func (NopObserver) ControllerDisconnect(string)                         {}
func (NopObserver) AppDisconnect(string)                                {}

// Sentinel errors for outbound operations.
var (
	ErrClientNotFound = errors.New("client not registered")
	ErrNotPaired      = errors.New("client is not paired")
	ErrSendFailed     = errors.New("write to peer failed")
)
