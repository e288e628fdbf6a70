// Package control is the agent-facing command surface. It resolves device
// sessions, checks pairing state, and turns high-level commands into wire
// payloads sent through the broker.
package control

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/config"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/protocol"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

// qrTemplate is the deep link the companion app scans to dial back into the
// relay. The fragment format is fixed by the app.
const qrTemplate = "https://www.dungeon-lab.com/app-download.php#DGLAB-SOCKET#ws://%s:%d/%s"

// Sentinel errors for command failures.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotBound       = errors.New("device has no paired app")
	ErrBadMode        = errors.New("unknown strength mode")
	ErrBadChannel     = errors.New("unknown channel")
)

// Service wires the broker, session store, playback scheduler, and waveform
// library behind one command API.
type Service struct {
	hub   *broker.Hub
	store *session.Store
	sched *playback.Scheduler
	lib   *waveform.Library
	cfg   *config.Config
	log   zerolog.Logger
}

// NewService creates the control service.
func NewService(hub *broker.Hub, store *session.Store, sched *playback.Scheduler, lib *waveform.Library, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		hub:   hub,
		store: store,
		sched: sched,
		lib:   lib,
		cfg:   cfg,
		log:   logger.With().Str("component", "control").Logger(),
	}
}

// CreateDevice registers a synthetic controller in the broker and opens a
// session for it. The session starts unbound; it is destroyed if no app pairs
// within the connection timeout.
func (s *Service) CreateDevice(alias string) (*session.Snapshot, error) {
	controllerID := s.hub.RegisterController()
	snap := s.store.Create()

	// Only the endpoint id is recorded here; connected is a pairing property
	// and flips when the bind handshake lands.
	clientID := controllerID
	if err := s.store.UpdateConnectionState(snap.ID, session.ConnectionUpdate{
		ClientID: &clientID,
	}); err != nil {
		s.hub.DisconnectController(controllerID)
		return nil, err
	}

	if alias != "" {
		if err := s.store.SetAlias(snap.ID, alias); err != nil {
			s.store.Delete(snap.ID)
			s.hub.DisconnectController(controllerID)
			return nil, err
		}
	}

	out, ok := s.store.Get(snap.ID)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	s.log.Info().Str("device_id", out.ID).Str("controller_id", controllerID).Str("alias", alias).
		Msg("Device created")
	return out, nil
}

// ReconnectController restores a session whose controller endpoint was lost
// inside its reconnection window by minting a replacement endpoint. The old
// pairing QR link dies with the old endpoint, so callers fetch a fresh one
// afterwards. A session whose controller is still registered is returned
// unchanged.
func (s *Service) ReconnectController(id string) (*session.Snapshot, error) {
	snap, ok := s.store.Get(id)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if snap.ClientID != "" {
		if _, live := s.hub.Client(snap.ClientID); live {
			return snap, nil
		}
	}

	controllerID := s.hub.RegisterController()
	if !s.store.HandleReconnection(id, nil, controllerID) {
		s.hub.DisconnectController(controllerID)
		return nil, ErrDeviceNotFound
	}
	out, ok := s.store.Get(id)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	s.log.Info().Str("device_id", id).Str("controller_id", controllerID).
		Msg("Controller endpoint reattached")
	return out, nil
}

// Device returns a session snapshot by id.
func (s *Service) Device(id string) (*session.Snapshot, error) {
	snap, ok := s.store.Get(id)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return snap, nil
}

// DeviceByAlias returns a session snapshot by alias.
func (s *Service) DeviceByAlias(alias string) (*session.Snapshot, error) {
	snap, ok := s.store.FindByAlias(alias)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return snap, nil
}

// Devices lists all live sessions.
func (s *Service) Devices() []*session.Snapshot {
	return s.store.List()
}

// SetAlias renames a device.
func (s *Service) SetAlias(id, alias string) error {
	err := s.store.SetAlias(id, alias)
	if errors.Is(err, session.ErrNotFound) {
		return ErrDeviceNotFound
	}
	return err
}

// QRURL builds the pairing deep link for a device. The host comes from
// configuration when set, otherwise from fallbackHost (typically the Host
// header of the request asking for the link).
func (s *Service) QRURL(id, fallbackHost string) (string, error) {
	snap, ok := s.store.Get(id)
	if !ok {
		return "", ErrDeviceNotFound
	}
	if snap.ClientID == "" {
		return "", ErrNotBound
	}
	return fmt.Sprintf(qrTemplate, s.cfg.QRHost(fallbackHost), s.cfg.ServerPort, snap.ClientID), nil
}

// SendStrength sends a strength adjustment command to the device's app.
// The value clamps to 0..200; the app applies its own limit on top.
func (s *Service) SendStrength(id string, ch protocol.Channel, mode protocol.StrengthMode, value int) error {
	if !ch.Valid() {
		return ErrBadChannel
	}
	if mode < protocol.StrengthDecrease || mode > protocol.StrengthSet {
		return ErrBadMode
	}
	snap, err := s.requirePaired(id)
	if err != nil {
		return err
	}
	if err := s.hub.SendToApp(snap.ClientID, protocol.StrengthCommand(ch, mode, protocol.ClampStrength(value))); err != nil {
		return err
	}
	s.store.Touch(id)
	return nil
}

// SendWaveform sends one batch of frames to the device's app.
func (s *Service) SendWaveform(id string, ch protocol.Channel, frames []string) error {
	if !ch.Valid() {
		return ErrBadChannel
	}
	if err := waveform.Validate(frames); err != nil {
		return err
	}
	snap, err := s.requirePaired(id)
	if err != nil {
		return err
	}
	if err := s.hub.SendToApp(snap.ClientID, protocol.PulseCommand(ch, frames)); err != nil {
		return err
	}
	s.store.Touch(id)
	return nil
}

// SendWaveformByName sends a library waveform once.
func (s *Service) SendWaveformByName(id string, ch protocol.Channel, name string) error {
	wf, err := s.lib.Get(name)
	if err != nil {
		return err
	}
	return s.SendWaveform(id, ch, wf.Frames)
}

// ClearWaveform tells the app to flush its buffered frames for a channel.
func (s *Service) ClearWaveform(id string, ch protocol.Channel) error {
	if !ch.Valid() {
		return ErrBadChannel
	}
	snap, err := s.requirePaired(id)
	if err != nil {
		return err
	}
	if err := s.hub.SendToApp(snap.ClientID, protocol.ClearCommand(ch)); err != nil {
		return err
	}
	s.store.Touch(id)
	return nil
}

// StartPlayback begins continuous playback of frames on a channel. An existing
// playback on the same channel is replaced.
func (s *Service) StartPlayback(id string, ch protocol.Channel, frames []string, batchSize int, bufferRatio float64) error {
	if err := waveform.Validate(frames); err != nil {
		return err
	}
	snap, err := s.requirePaired(id)
	if err != nil {
		return err
	}
	if err := s.sched.Start(snap.ClientID, ch, frames, batchSize, bufferRatio); err != nil {
		return err
	}
	s.store.Touch(id)
	return nil
}

// StartPlaybackByName begins continuous playback of a library waveform.
func (s *Service) StartPlaybackByName(id string, ch protocol.Channel, name string, batchSize int, bufferRatio float64) error {
	wf, err := s.lib.Get(name)
	if err != nil {
		return err
	}
	return s.StartPlayback(id, ch, wf.Frames, batchSize, bufferRatio)
}

// StopPlayback cancels continuous playback on a channel. Returns false when no
// playback was running.
func (s *Service) StopPlayback(id string, ch protocol.Channel) (bool, error) {
	if !ch.Valid() {
		return false, ErrBadChannel
	}
	snap, ok := s.store.Get(id)
	if !ok {
		return false, ErrDeviceNotFound
	}
	if snap.ClientID == "" {
		return false, nil
	}
	stopped := s.sched.Stop(snap.ClientID, ch)
	if stopped {
		s.store.Touch(id)
	}
	return stopped, nil
}

// PlaybackStatus returns the playback snapshot for a device channel.
func (s *Service) PlaybackStatus(id string, ch protocol.Channel) (playback.Status, bool, error) {
	if !ch.Valid() {
		return playback.Status{}, false, ErrBadChannel
	}
	snap, ok := s.store.Get(id)
	if !ok {
		return playback.Status{}, false, ErrDeviceNotFound
	}
	if snap.ClientID == "" {
		return playback.Status{}, false, nil
	}
	status, running := s.sched.Query(snap.ClientID, ch)
	return status, running, nil
}

// Waveforms lists the loaded waveform library.
func (s *Service) Waveforms() []waveform.Waveform {
	return s.lib.List()
}

// RemoveDevice tears a device down: playback stops, the controller leaves the
// broker (breaking the pair), and the session is destroyed.
func (s *Service) RemoveDevice(id string) error {
	snap, ok := s.store.Get(id)
	if !ok {
		return ErrDeviceNotFound
	}
	if snap.ClientID != "" {
		s.sched.StopAll(snap.ClientID)
		s.hub.DisconnectController(snap.ClientID)
	}
	s.store.Delete(id)
	s.log.Info().Str("device_id", id).Msg("Device removed")
	return nil
}

// requirePaired resolves a device that has a live paired app.
func (s *Service) requirePaired(id string) (*session.Snapshot, error) {
	snap, ok := s.store.Get(id)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if snap.ClientID == "" || !s.hub.IsPaired(snap.ClientID) {
		return nil, ErrNotBound
	}
	return snap, nil
}
