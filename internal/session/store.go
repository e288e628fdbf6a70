package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/metrics"
	"github.com/pulselink/pulselink-server/internal/protocol"
)

// Sentinel errors for store operations.
var (
	ErrNotFound   = errors.New("device session not found")
	ErrAliasTaken = errors.New("alias already in use")
)

// Config carries the store's lifecycle durations.
type Config struct {
	// ConnectionTimeout is how long a new session may stay unbound before it
	// is destroyed.
	ConnectionTimeout time.Duration

	// ReconnectionTimeout is how long a bound session survives after its app
	// disconnects.
	ReconnectionTimeout time.Duration

	// StaleTTL destroys any session whose last activity is older than this,
	// independent of the two per-session timers.
	StaleTTL time.Duration

	// SweepInterval is the cadence of the background stale sweep.
	SweepInterval time.Duration
}

// Store owns the device session records. Operations are atomic with respect to
// the store mutex; transports are closed and observers notified only after the
// mutex is released.
type Store struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	devices  map[string]*Device
	aliases  map[string]string // folded alias -> device id
	byClient map[string]string // controller client id -> device id
}

// NewStore creates a device session store.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		cfg:      cfg,
		log:      logger.With().Str("component", "sessions").Logger(),
		devices:  make(map[string]*Device),
		aliases:  make(map[string]string),
		byClient: make(map[string]string),
	}
}

// Create mints a new device session with default telemetry and arms its
// connection-idle timer: if the session is still unbound when it fires, the
// session is destroyed.
func (s *Store) Create() *Snapshot {
	now := time.Now()
	d := &Device{
		ID:           uuid.NewString(),
		LimitA:       protocol.MaxStrength,
		LimitB:       protocol.MaxStrength,
		LastFeedback: -1,
		CreatedAt:    now,
		LastActive:   now,
	}
	s.mu.Lock()
	s.devices[d.ID] = d
	// Armed after insertion so the callback always finds the record.
	d.connTimer = schedule(s.cfg.ConnectionTimeout, func() { s.expireUnbound(d.ID) })
	snap := d.snapshot()
	s.mu.Unlock()

	metrics.SessionsActive.Set(float64(s.Count()))
	s.log.Info().Str("device_id", d.ID).Msg("Session created")
	return snap
}

// expireUnbound is the connection-idle timer callback.
func (s *Store) expireUnbound(id string) {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || d.BoundToApp {
		s.mu.Unlock()
		return
	}
	transport := s.removeLocked(d)
	s.mu.Unlock()

	closeTransport(transport)
	metrics.SessionsActive.Set(float64(s.Count()))
	metrics.SessionsExpired.WithLabelValues("connection").Inc()
	s.log.Info().Str("device_id", id).Msg("Unbound session expired")
}

// expireReconnect is the reconnection-window timer callback.
func (s *Store) expireReconnect(id string) {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || d.Connected {
		s.mu.Unlock()
		return
	}
	transport := s.removeLocked(d)
	s.mu.Unlock()

	closeTransport(transport)
	metrics.SessionsActive.Set(float64(s.Count()))
	metrics.SessionsExpired.WithLabelValues("reconnection").Inc()
	s.log.Info().Str("device_id", id).Msg("Reconnection window expired")
}

// Get returns the session, or nothing when it does not exist or has gone
// stale. Stale sessions are deleted on access.
func (s *Store) Get(id string) (*Snapshot, bool) {
	var transport io.Closer
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if s.staleLocked(d) {
		transport = s.removeLocked(d)
		s.mu.Unlock()
		closeTransport(transport)
		metrics.SessionsActive.Set(float64(s.Count()))
		metrics.SessionsExpired.WithLabelValues("stale").Inc()
		return nil, false
	}
	snap := d.snapshot()
	s.mu.Unlock()
	return snap, true
}

// GetByClientID returns the session whose controller endpoint is clientID.
func (s *Store) GetByClientID(clientID string) (*Snapshot, bool) {
	s.mu.Lock()
	id, ok := s.byClient[clientID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// FindByAlias returns the session owning the alias under case folding.
func (s *Store) FindByAlias(alias string) (*Snapshot, bool) {
	s.mu.Lock()
	id, ok := s.aliases[foldAlias(alias)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// SetAlias assigns a human label to a session. Aliases are unique across
// non-expired sessions under case-insensitive comparison.
func (s *Store) SetAlias(id, alias string) error {
	folded := foldAlias(alias)

	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || s.staleLocked(d) {
		s.mu.Unlock()
		return ErrNotFound
	}
	if owner, taken := s.aliases[folded]; taken && owner != id {
		if other, live := s.devices[owner]; live && !s.staleLocked(other) {
			s.mu.Unlock()
			return ErrAliasTaken
		}
		// The previous owner is stale; the sweep will collect it.
		delete(s.aliases, folded)
	}
	if d.Alias != "" {
		delete(s.aliases, foldAlias(d.Alias))
	}
	d.Alias = alias
	s.aliases[folded] = id
	d.LastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// ConnectionUpdate is a partial update of a session's connection state. Nil
// fields are left untouched.
type ConnectionUpdate struct {
	Connected  *bool
	BoundToApp *bool
	ClientID   *string
	TargetID   *string
	Transport  io.Closer
}

// UpdateConnectionState merges the partial update and refreshes last-active.
func (s *Store) UpdateConnectionState(id string, update ConnectionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	if update.Connected != nil {
		d.Connected = *update.Connected
	}
	if update.BoundToApp != nil {
		d.BoundToApp = *update.BoundToApp
	}
	if update.ClientID != nil {
		s.reindexClientLocked(d, *update.ClientID)
	}
	if update.TargetID != nil {
		d.TargetID = *update.TargetID
	}
	if update.Transport != nil {
		d.Transport = update.Transport
	}
	d.LastActive = time.Now()
	return nil
}

// UpdateStrength stores reported strengths and limits. Limits clamp to
// 0..200 and strengths clamp to 0..limit so the invariant
// strength <= limit <= 200 holds on both channels.
func (s *Store) UpdateStrength(id string, a, b, limitA, limitB int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LimitA = protocol.ClampStrength(limitA)
	d.LimitB = protocol.ClampStrength(limitB)
	d.StrengthA = min(protocol.ClampStrength(a), d.LimitA)
	d.StrengthB = min(protocol.ClampStrength(b), d.LimitB)
	d.LastActive = time.Now()
	return nil
}

// markBoundLocked applies the bound transition: both lifecycle timers come
// off, the session is connected and bound, and the window timestamp clears.
// Caller holds s.mu and must cancel the returned timers after unlocking.
func (s *Store) markBoundLocked(d *Device) []*Handle {
	timers := []*Handle{d.connTimer, d.reconnTimer}
	d.connTimer = nil
	d.reconnTimer = nil
	d.BoundToApp = true
	d.Connected = true
	d.DisconnectedAt = time.Time{}
	d.LastActive = time.Now()
	return timers
}

// OnAppBound marks the session bound. Cancels whichever lifecycle timer is
// running, so it covers both the first bind and a re-bind inside the
// reconnection window. Safe to call again on a rebind.
func (s *Store) OnAppBound(id string) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	timers := s.markBoundLocked(d)
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Cancel()
	}
	return nil
}

// HandleDisconnection processes loss of the session's endpoints. An unbound
// session is destroyed immediately and false is returned. A bound session
// enters the reconnection window: connected drops, disconnected-at is set,
// the transport handle is released, and the reconnection timer is armed.
func (s *Store) HandleDisconnection(id string) bool {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	connTimer := d.connTimer
	d.connTimer = nil

	if !d.BoundToApp {
		transport := s.removeLocked(d)
		s.mu.Unlock()
		connTimer.Cancel()
		closeTransport(transport)
		metrics.SessionsActive.Set(float64(s.Count()))
		s.log.Info().Str("device_id", id).Msg("Unbound session destroyed on disconnect")
		return false
	}

	if !d.Connected {
		// Already in the reconnection window; keep the running timer.
		s.mu.Unlock()
		connTimer.Cancel()
		return true
	}

	d.Connected = false
	d.DisconnectedAt = time.Now()
	transport := d.Transport
	d.Transport = nil
	// ClientID stays indexed through the window: on an app-side close the
	// controller endpoint survives in the broker, and the re-bind that may
	// arrive before the timer fires is resolved through this index.
	prevReconn := d.reconnTimer
	d.reconnTimer = schedule(s.cfg.ReconnectionTimeout, func() { s.expireReconnect(id) })
	s.mu.Unlock()

	connTimer.Cancel()
	prevReconn.Cancel()
	closeTransport(transport)
	s.log.Info().Str("device_id", id).Dur("window", s.cfg.ReconnectionTimeout).
		Msg("Session entered reconnection window")
	return true
}

// HandleReconnection restores a session within its reconnection window with a
// fresh controller endpoint and transport.
func (s *Store) HandleReconnection(id string, transport io.Closer, newClientID string) bool {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	timer := d.reconnTimer
	d.reconnTimer = nil
	s.reindexClientLocked(d, newClientID)
	d.Transport = transport
	d.Connected = true
	d.DisconnectedAt = time.Time{}
	d.LastActive = time.Now()
	s.mu.Unlock()

	timer.Cancel()
	s.log.Info().Str("device_id", id).Str("client_id", newClientID).Msg("Session reconnected")
	return true
}

// ReconnectionRemaining reports the time left in the reconnection window.
func (s *Store) ReconnectionRemaining(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok || d.reconnTimer == nil {
		return 0, false
	}
	return d.reconnTimer.Remaining(), true
}

// Touch refreshes a session's last-active timestamp.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	if d, ok := s.devices[id]; ok {
		d.LastActive = time.Now()
	}
	s.mu.Unlock()
}

// TouchByClientID refreshes the session owning the given controller endpoint.
func (s *Store) TouchByClientID(clientID string) {
	s.mu.Lock()
	if id, ok := s.byClient[clientID]; ok {
		if d, live := s.devices[id]; live {
			d.LastActive = time.Now()
		}
	}
	s.mu.Unlock()
}

// Delete destroys a session: both timers cancelled, transport closed
// best-effort, record and alias removed. Returns false when the session does
// not exist, so repeated deletes are observable no-ops.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	transport := s.removeLocked(d)
	s.mu.Unlock()

	closeTransport(transport)
	metrics.SessionsActive.Set(float64(s.Count()))
	s.log.Info().Str("device_id", id).Msg("Session deleted")
	return true
}

// List sweeps expired entries and returns a snapshot of the remainder.
func (s *Store) List() []*Snapshot {
	s.sweepStale()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.snapshot())
	}
	return out
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// RunSweep periodically destroys sessions idle beyond the stale TTL until the
// context is cancelled.
func (s *Store) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Store) sweepStale() {
	var transports []io.Closer
	var expired int

	s.mu.Lock()
	for _, d := range s.devices {
		if s.staleLocked(d) {
			transports = append(transports, s.removeLocked(d))
			expired++
		}
	}
	s.mu.Unlock()

	for _, tr := range transports {
		closeTransport(tr)
	}
	if expired > 0 {
		metrics.SessionsActive.Set(float64(s.Count()))
		metrics.SessionsExpired.WithLabelValues("stale").Add(float64(expired))
		s.log.Info().Int("count", expired).Msg("Swept stale sessions")
	}
}

// Shutdown cancels every timer and destroys all sessions.
func (s *Store) Shutdown() {
	s.mu.Lock()
	var transports []io.Closer
	for _, d := range s.devices {
		transports = append(transports, s.removeLocked(d))
	}
	s.mu.Unlock()

	for _, tr := range transports {
		closeTransport(tr)
	}
	metrics.SessionsActive.Set(0)
	s.log.Info().Msg("Session store shut down")
}

// staleLocked reports whether the session passed its TTL. Caller holds s.mu.
func (s *Store) staleLocked(d *Device) bool {
	return time.Since(d.LastActive) > s.cfg.StaleTTL
}

// removeLocked cancels timers and unlinks the record from every index,
// returning the transport for the caller to close outside the lock.
// Caller holds s.mu.
func (s *Store) removeLocked(d *Device) io.Closer {
	d.connTimer.Cancel()
	d.connTimer = nil
	d.reconnTimer.Cancel()
	d.reconnTimer = nil
	delete(s.devices, d.ID)
	if d.Alias != "" {
		delete(s.aliases, foldAlias(d.Alias))
	}
	if d.ClientID != "" {
		delete(s.byClient, d.ClientID)
	}
	transport := d.Transport
	d.Transport = nil
	return transport
}

// reindexClientLocked moves the record to a new controller endpoint id.
// Caller holds s.mu.
func (s *Store) reindexClientLocked(d *Device, clientID string) {
	if d.ClientID != "" {
		delete(s.byClient, d.ClientID)
	}
	d.ClientID = clientID
	if clientID != "" {
		s.byClient[clientID] = d.ID
	}
}

func foldAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

func closeTransport(tr io.Closer) {
	if tr != nil {
		_ = tr.Close()
	}
}
