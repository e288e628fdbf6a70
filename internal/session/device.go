// Package session owns the device session records: their lifecycle timers,
// alias index, and telemetry. It implements the broker's Observer interface so
// connection events translate into session state transitions.
package session

import (
	"io"
	"time"
)

// Device is one logical device session. All fields are guarded by the owning
// Store's mutex; callers outside the package only ever see Snapshot copies.
type Device struct {
	ID    string
	Alias string

	// ClientID is the controller endpoint id in the broker, empty before
	// binding and after disconnect. TargetID is the paired app endpoint id.
	ClientID string
	TargetID string

	Connected  bool
	BoundToApp bool

	StrengthA int
	StrengthB int
	LimitA    int
	LimitB    int

	// LastFeedback is the most recent feedback button index, -1 before any.
	LastFeedback int

	CreatedAt      time.Time
	LastActive     time.Time
	DisconnectedAt time.Time // zero while connected

	Transport io.Closer // app-side transport handle, nil when absent

	connTimer   *Handle
	reconnTimer *Handle
}

// Snapshot is a read-only copy of a device session.
type Snapshot struct {
	ID             string    `json:"id"`
	Alias          string    `json:"alias,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
	TargetID       string    `json:"targetId,omitempty"`
	Connected      bool      `json:"connected"`
	BoundToApp     bool      `json:"boundToApp"`
	StrengthA      int       `json:"strengthA"`
	StrengthB      int       `json:"strengthB"`
	LimitA         int       `json:"limitA"`
	LimitB         int       `json:"limitB"`
	LastFeedback   int       `json:"lastFeedback"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActive     time.Time `json:"lastActive"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitzero"`
}

func (d *Device) snapshot() *Snapshot {
	return &Snapshot{
		ID:             d.ID,
		Alias:          d.Alias,
		ClientID:       d.ClientID,
		TargetID:       d.TargetID,
		Connected:      d.Connected,
		BoundToApp:     d.BoundToApp,
		StrengthA:      d.StrengthA,
		StrengthB:      d.StrengthB,
		LimitA:         d.LimitA,
		LimitB:         d.LimitB,
		LastFeedback:   d.LastFeedback,
		CreatedAt:      d.CreatedAt,
		LastActive:     d.LastActive,
		DisconnectedAt: d.DisconnectedAt,
	}
}
