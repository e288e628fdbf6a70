package session

import (
	"time"

	"github.com/pulselink/pulselink-server/internal/protocol"
)

// The Store implements broker.Observer: broker lifecycle events become session
// state transitions. Callbacks arrive outside the broker's locks and take the
// store's own mutex, so the two aggregates never deadlock.

// BindChange records the new pairing target. A non-empty appID marks the
// session bound and connected, cancelling whichever lifecycle timer is
// running: the connection-idle timer on a first bind, the reconnection timer
// when the app re-pairs inside its window. An empty appID only clears the
// target (bound-to-app survives until the session is destroyed). The whole
// transition happens under one lock hold so a concurrent delete can never
// observe it half-applied.
func (s *Store) BindChange(controllerID, appID string) {
	s.mu.Lock()
	id, ok := s.byClient[controllerID]
	d := s.devices[id]
	if !ok || d == nil {
		s.mu.Unlock()
		return
	}

	d.TargetID = appID
	if appID == "" {
		d.LastActive = time.Now()
		s.mu.Unlock()
		return
	}
	timers := s.markBoundLocked(d)
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Cancel()
	}
}

// StrengthUpdate stores app-reported strength telemetry.
func (s *Store) StrengthUpdate(controllerID string, report protocol.StrengthReport) {
	s.mu.Lock()
	id, ok := s.byClient[controllerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.UpdateStrength(id, report.StrengthA, report.StrengthB, report.LimitA, report.LimitB)
}

// Feedback stores the latest feedback button index.
func (s *Store) Feedback(controllerID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[controllerID]
	if !ok {
		return
	}
	if d, live := s.devices[id]; live {
		d.LastFeedback = index
		d.LastActive = time.Now()
	}
}

// ControllerDisconnect opens the reconnection window (or destroys an unbound
// session) when the controller endpoint leaves the broker.
func (s *Store) ControllerDisconnect(controllerID string) {
	s.mu.Lock()
	id, ok := s.byClient[controllerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.HandleDisconnection(id)
}

// AppDisconnect runs the disconnect transition for every session paired with
// the vanished app. Bound sessions keep bound-to-app set, so each gets a
// reconnection window.
func (s *Store) AppDisconnect(appID string) {
	s.mu.Lock()
	var ids []string
	for _, d := range s.devices {
		if d.TargetID == appID {
			ids = append(ids, d.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.HandleDisconnection(id)
	}
}
