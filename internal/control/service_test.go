package control

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/config"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/protocol"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

// appConn is a scriptable app-side WebSocket. Inbound frames are pushed through
// a channel; outbound frames are collected through another.
type appConn struct {
	inbound chan []byte
	written chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newAppConn() *appConn {
	return &appConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *appConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *appConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.written <- data:
	case <-c.closed:
	}
	return nil
}

func (c *appConn) SetWriteDeadline(time.Time) error { return nil }
func (c *appConn) SetReadLimit(int64)               {}

func (c *appConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *appConn) recvEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-c.written:
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decoding app frame %q: %v", raw, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for app frame")
		return protocol.Envelope{}
	}
}

type fixture struct {
	hub   *broker.Hub
	store *session.Store
	sched *playback.Scheduler
	lib   *waveform.Library
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{ServerPort: 3323}
	hub := broker.NewHub(time.Minute, zerolog.Nop())
	store := session.NewStore(session.Config{
		ConnectionTimeout:   time.Minute,
		ReconnectionTimeout: time.Minute,
		StaleTTL:            time.Hour,
		SweepInterval:       time.Minute,
	}, zerolog.Nop())
	sched := playback.NewScheduler(hub, zerolog.Nop())
	lib := waveform.NewLibrary()
	hub.SetObserver(broker.Observers{NewPlaybackGuard(sched), store})

	t.Cleanup(func() {
		sched.Shutdown()
		hub.Shutdown()
		store.Shutdown()
	})

	return &fixture{
		hub:   hub,
		store: store,
		sched: sched,
		lib:   lib,
		svc:   NewService(hub, store, sched, lib, cfg, zerolog.Nop()),
	}
}

// pairApp connects a fake app to the broker and runs the pairing handshake
// against the given controller. It consumes the greeting and both bind-result
// frames so later assertions see only data-plane traffic, and returns the
// app's assigned endpoint id alongside the connection.
func (f *fixture) pairApp(t *testing.T, controllerID string) (*appConn, string) {
	t.Helper()

	conn := newAppConn()
	go f.hub.ServeWebSocket(conn)

	greeting := conn.recvEnvelope(t)
	if greeting.Type != protocol.TypeBind || greeting.ClientID == "" {
		t.Fatalf("greeting = %+v, want bind with assigned id", greeting)
	}
	appID := greeting.ClientID

	bind, err := protocol.Envelope{
		Type:     protocol.TypeBind,
		ClientID: controllerID,
		TargetID: appID,
		Message:  protocol.BindPayload,
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	conn.inbound <- bind

	result := conn.recvEnvelope(t)
	if result.Message != protocol.CodeOK {
		t.Fatalf("bind result = %+v, want code %s", result, protocol.CodeOK)
	}
	return conn, appID
}

func waitBound(t *testing.T, f *fixture, deviceID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if snap, ok := f.store.Get(deviceID); ok && snap.BoundToApp {
			return
		}
		select {
		case <-deadline:
			t.Fatal("device never became bound")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var ctrlFrames = []string{strings.Repeat("0a", 8), strings.Repeat("1b", 8)}

func TestCreateDeviceStartsUnbound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("bench rig")
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if snap.ClientID == "" {
		t.Error("ClientID is empty, want broker controller id")
	}
	if snap.Alias != "bench rig" {
		t.Errorf("Alias = %q, want %q", snap.Alias, "bench rig")
	}
	if snap.BoundToApp {
		t.Error("BoundToApp = true before pairing, want false")
	}
	if snap.Connected {
		t.Error("Connected = true before pairing, want false")
	}
	if _, ok := f.hub.Client(snap.ClientID); !ok {
		t.Error("controller missing from broker registry")
	}
}

func TestCreateDeviceAliasConflictRollsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.CreateDevice("rig"); err != nil {
		t.Fatalf("first CreateDevice() error = %v", err)
	}
	if _, err := f.svc.CreateDevice("RIG"); !errors.Is(err, session.ErrAliasTaken) {
		t.Fatalf("second CreateDevice() error = %v, want %v", err, session.ErrAliasTaken)
	}
	if got := f.store.Count(); got != 1 {
		t.Errorf("store.Count() = %d, want 1", got)
	}
	if got := f.hub.ClientCount(); got != 1 {
		t.Errorf("hub.ClientCount() = %d, want 1", got)
	}
}

func TestQRURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}

	url, err := f.svc.QRURL(snap.ID, "198.51.100.7")
	if err != nil {
		t.Fatalf("QRURL() error = %v", err)
	}
	want := "https://www.dungeon-lab.com/app-download.php#DGLAB-SOCKET#ws://198.51.100.7:3323/" + snap.ClientID
	if url != want {
		t.Errorf("QRURL() = %q, want %q", url, want)
	}

	if _, err := f.svc.QRURL("no-such-device", "h"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("QRURL(unknown) error = %v, want %v", err, ErrDeviceNotFound)
	}
}

func TestSendStrengthRequiresPairing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}

	err = f.svc.SendStrength(snap.ID, protocol.ChannelA, protocol.StrengthSet, 50)
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("SendStrength() error = %v, want %v", err, ErrNotBound)
	}
}

func TestSendStrengthReachesApp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	if err := f.svc.SendStrength(snap.ID, protocol.ChannelB, protocol.StrengthSet, 250); err != nil {
		t.Fatalf("SendStrength() error = %v", err)
	}

	env := conn.recvEnvelope(t)
	if env.Type != protocol.TypeMsg {
		t.Errorf("type = %q, want %q", env.Type, protocol.TypeMsg)
	}
	// Channel B is wire code 2, set mode is 2, and 250 clamps to 200.
	if env.Message != "strength-2+2+200" {
		t.Errorf("payload = %q, want %q", env.Message, "strength-2+2+200")
	}
}

func TestSendStrengthRejectsBadMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendStrength(snap.ID, protocol.ChannelA, protocol.StrengthMode(7), 10); !errors.Is(err, ErrBadMode) {
		t.Errorf("SendStrength() error = %v, want %v", err, ErrBadMode)
	}
	if err := f.svc.SendStrength(snap.ID, protocol.Channel("C"), protocol.StrengthSet, 10); !errors.Is(err, ErrBadChannel) {
		t.Errorf("SendStrength() error = %v, want %v", err, ErrBadChannel)
	}
}

func TestSendWaveformValidatesFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	if err := f.svc.SendWaveform(snap.ID, protocol.ChannelA, []string{"bogus"}); err == nil {
		t.Error("SendWaveform() accepted a malformed frame")
	}

	if err := f.svc.SendWaveform(snap.ID, protocol.ChannelA, ctrlFrames); err != nil {
		t.Fatalf("SendWaveform() error = %v", err)
	}
	env := conn.recvEnvelope(t)
	want := protocol.PulseCommand(protocol.ChannelA, ctrlFrames)
	if env.Message != want {
		t.Errorf("payload = %q, want %q", env.Message, want)
	}
}

func TestWaveformByNameUsesLibrary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.lib.Add(waveform.Waveform{Name: "thump", Frames: ctrlFrames}); err != nil {
		t.Fatal(err)
	}
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	if err := f.svc.SendWaveformByName(snap.ID, protocol.ChannelA, "missing"); !errors.Is(err, waveform.ErrNotFound) {
		t.Errorf("SendWaveformByName(missing) error = %v, want %v", err, waveform.ErrNotFound)
	}
	if err := f.svc.SendWaveformByName(snap.ID, protocol.ChannelA, "THUMP"); err != nil {
		t.Fatalf("SendWaveformByName() error = %v", err)
	}
	env := conn.recvEnvelope(t)
	if env.Message != protocol.PulseCommand(protocol.ChannelA, ctrlFrames) {
		t.Errorf("payload = %q, want pulse command", env.Message)
	}
}

func TestPlaybackLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	if err := f.svc.StartPlayback(snap.ID, protocol.ChannelA, ctrlFrames, 2, 0.9); err != nil {
		t.Fatalf("StartPlayback() error = %v", err)
	}

	env := conn.recvEnvelope(t)
	if !strings.HasPrefix(env.Message, "pulse-A:") {
		t.Errorf("first playback frame = %q, want pulse-A prefix", env.Message)
	}

	status, running, err := f.svc.PlaybackStatus(snap.ID, protocol.ChannelA)
	if err != nil || !running {
		t.Fatalf("PlaybackStatus() = %+v, %v, %v, want running", status, running, err)
	}
	if status.BatchSize != 2 {
		t.Errorf("BatchSize = %d, want 2", status.BatchSize)
	}

	stopped, err := f.svc.StopPlayback(snap.ID, protocol.ChannelA)
	if err != nil || !stopped {
		t.Fatalf("StopPlayback() = %v, %v, want true", stopped, err)
	}
	stopped, err = f.svc.StopPlayback(snap.ID, protocol.ChannelA)
	if err != nil || stopped {
		t.Errorf("second StopPlayback() = %v, %v, want false", stopped, err)
	}
}

func TestRemoveDeviceTearsDownEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	if err := f.svc.StartPlayback(snap.ID, protocol.ChannelA, ctrlFrames, 2, 0.9); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RemoveDevice(snap.ID); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	if _, ok := f.store.Get(snap.ID); ok {
		t.Error("session still present after RemoveDevice()")
	}
	if f.sched.ActiveCount() != 0 {
		t.Errorf("scheduler ActiveCount() = %d, want 0", f.sched.ActiveCount())
	}
	if f.hub.IsPaired(snap.ClientID) {
		t.Error("pair still present after RemoveDevice()")
	}

	// The app hears a break once the controller leaves. Earlier pulse and
	// clear frames may precede it; recvEnvelope fails the test if the break
	// never arrives.
	for {
		if env := conn.recvEnvelope(t); env.Type == protocol.TypeBreak {
			break
		}
	}

	if err := f.svc.RemoveDevice(snap.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second RemoveDevice() error = %v, want %v", err, ErrDeviceNotFound)
	}
}

// An app vanishing mid-session leaves the device waiting in its reconnection
// window while commands fail fast.
func TestAppDisconnectOpensReconnectionWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		got, ok := f.store.Get(snap.ID)
		if ok && !got.Connected {
			if !got.BoundToApp {
				t.Error("BoundToApp = false after disconnect, want true")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never marked disconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	err = f.svc.SendStrength(snap.ID, protocol.ChannelA, protocol.StrengthSet, 10)
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("SendStrength() after app loss error = %v, want %v", err, ErrNotBound)
	}
}

// An app that returns inside the reconnection window re-binds to the same
// controller id and finds its session intact: same device id, same alias, and
// the strength telemetry recorded before the drop.
func TestAppRebindInsideWindowRestoresSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("ash")
	if err != nil {
		t.Fatal(err)
	}
	conn, appID := f.pairApp(t, snap.ClientID)
	waitBound(t, f, snap.ID)

	report, err := protocol.Envelope{
		Type:     protocol.TypeMsg,
		ClientID: appID,
		TargetID: snap.ClientID,
		Message:  "strength-100+150+200+200",
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	conn.inbound <- report

	deadline := time.After(2 * time.Second)
	for {
		if got, ok := f.store.Get(snap.ID); ok && got.StrengthA == 100 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("strength telemetry never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn.Close()

	deadline = time.After(2 * time.Second)
	for {
		got, ok := f.store.Get(snap.ID)
		if !ok {
			t.Fatal("session destroyed on app loss, want reconnection window")
		}
		if !got.Connected {
			if got.ClientID != snap.ClientID {
				t.Errorf("ClientID = %q inside window, want %q kept", got.ClientID, snap.ClientID)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never entered the reconnection window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn2, _ := f.pairApp(t, snap.ClientID)
	defer conn2.Close()

	deadline = time.After(2 * time.Second)
	for {
		got, ok := f.store.Get(snap.ID)
		if !ok {
			t.Fatal("session vanished during re-bind")
		}
		if got.Connected {
			if got.ID != snap.ID {
				t.Errorf("ID = %q, want %q", got.ID, snap.ID)
			}
			if got.Alias != "ash" {
				t.Errorf("Alias = %q, want %q", got.Alias, "ash")
			}
			if got.StrengthA != 100 || got.StrengthB != 150 {
				t.Errorf("strengths = %d/%d, want 100/150 preserved", got.StrengthA, got.StrengthB)
			}
			if !got.BoundToApp {
				t.Error("BoundToApp = false after re-bind, want true")
			}
			if !got.DisconnectedAt.IsZero() {
				t.Errorf("DisconnectedAt = %v after re-bind, want zero", got.DisconnectedAt)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never reconnected after re-bind")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := f.svc.SendStrength(snap.ID, protocol.ChannelA, protocol.StrengthSet, 50); err != nil {
		t.Fatalf("SendStrength() after re-bind error = %v", err)
	}
	env := conn2.recvEnvelope(t)
	if env.Message != "strength-1+2+50" {
		t.Errorf("payload = %q, want %q", env.Message, "strength-1+2+50")
	}
}

// Losing the controller endpoint does not strand a bound session: a replacement
// endpoint can be minted inside the window and a fresh app pairing works
// against it.
func TestReconnectControllerMintsReplacementEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap, err := f.svc.CreateDevice("")
	if err != nil {
		t.Fatal(err)
	}

	// With the controller still registered the call is a no-op.
	same, err := f.svc.ReconnectController(snap.ID)
	if err != nil {
		t.Fatalf("ReconnectController() error = %v", err)
	}
	if same.ClientID != snap.ClientID {
		t.Errorf("ClientID = %q with live controller, want %q unchanged", same.ClientID, snap.ClientID)
	}

	conn, _ := f.pairApp(t, snap.ClientID)
	defer conn.Close()
	waitBound(t, f, snap.ID)

	f.hub.DisconnectController(snap.ClientID)

	deadline := time.After(2 * time.Second)
	for {
		if got, ok := f.store.Get(snap.ID); ok && !got.Connected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never entered the reconnection window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	restored, err := f.svc.ReconnectController(snap.ID)
	if err != nil {
		t.Fatalf("ReconnectController() error = %v", err)
	}
	if restored.ClientID == "" || restored.ClientID == snap.ClientID {
		t.Errorf("ClientID = %q, want a fresh controller id", restored.ClientID)
	}
	if !restored.Connected {
		t.Error("Connected = false after endpoint replacement, want true")
	}
	if _, ok := f.hub.Client(restored.ClientID); !ok {
		t.Error("replacement controller missing from broker registry")
	}

	url, err := f.svc.QRURL(snap.ID, "198.51.100.7")
	if err != nil {
		t.Fatalf("QRURL() error = %v", err)
	}
	if !strings.HasSuffix(url, "/"+restored.ClientID) {
		t.Errorf("QRURL() = %q, want suffix %q", url, "/"+restored.ClientID)
	}

	conn2, _ := f.pairApp(t, restored.ClientID)
	defer conn2.Close()

	if err := f.svc.SendStrength(snap.ID, protocol.ChannelA, protocol.StrengthSet, 30); err != nil {
		t.Fatalf("SendStrength() through replacement endpoint error = %v", err)
	}
	env := conn2.recvEnvelope(t)
	if env.Message != "strength-1+2+30" {
		t.Errorf("payload = %q, want %q", env.Message, "strength-1+2+30")
	}

	if _, err := f.svc.ReconnectController("no-such-device"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ReconnectController(unknown) error = %v, want %v", err, ErrDeviceNotFound)
	}
}
