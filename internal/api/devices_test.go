package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/config"
	"github.com/pulselink/pulselink-server/internal/control"
	"github.com/pulselink/pulselink-server/internal/httputil"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
)

func newTestApp(t *testing.T) (*fiber.App, *waveform.Library) {
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
	hub.SetObserver(broker.Observers{control.NewPlaybackGuard(sched), store})
	svc := control.NewService(hub, store, sched, lib, cfg, zerolog.Nop())

	t.Cleanup(func() {
		sched.Shutdown()
		hub.Shutdown()
		store.Shutdown()
	})

	app := fiber.New()
	Register(app, hub, store, sched, svc, lib)
	return app, lib
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func createDevice(t *testing.T, app *fiber.App, alias string) map[string]any {
	t.Helper()

	resp, raw := doJSON(t, app, "POST", "/api/v1/devices/", map[string]string{"alias": alias})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create device status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out.Data
}

func TestCreateAndGetDevice(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	device := createDevice(t, app, "left rig")

	id, _ := device["id"].(string)
	if id == "" {
		t.Fatalf("created device has no id: %v", device)
	}
	if device["alias"] != "left rig" {
		t.Errorf("alias = %v, want %q", device["alias"], "left rig")
	}

	resp, raw := doJSON(t, app, "GET", "/api/v1/devices/"+id, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("get device status = %d, body %s", resp.StatusCode, raw)
	}

	resp, _ = doJSON(t, app, "GET", "/api/v1/devices/missing", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("get missing device status = %d, want 404", resp.StatusCode)
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	createDevice(t, app, "one")
	createDevice(t, app, "two")

	resp, raw := doJSON(t, app, "GET", "/api/v1/devices/", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var out struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 2 {
		t.Errorf("device count = %d, want 2", len(out.Data))
	}
}

func TestAliasConflict(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	createDevice(t, app, "shared")
	device := createDevice(t, app, "other")

	resp, raw := doJSON(t, app, "PATCH", "/api/v1/devices/"+device["id"].(string)+"/alias",
		map[string]string{"alias": "SHARED"})
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("alias conflict status = %d, body %s", resp.StatusCode, raw)
	}
	var out httputil.ErrorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != httputil.CodeConflict {
		t.Errorf("error code = %q, want %q", out.Error.Code, httputil.CodeConflict)
	}
}

func TestQRLinkUsesRequestHost(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	device := createDevice(t, app, "")

	req := httptest.NewRequest("GET", "/api/v1/devices/"+device["id"].(string)+"/qr", nil)
	req.Host = "relay.example.net:8080"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("qr status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Data.URL, "ws://relay.example.net:3323/") {
		t.Errorf("qr url = %q, want request host with the relay port", out.Data.URL)
	}
	if !strings.HasPrefix(out.Data.URL, "https://www.dungeon-lab.com/app-download.php#DGLAB-SOCKET#") {
		t.Errorf("qr url = %q, want app deep-link prefix", out.Data.URL)
	}
}

func TestStrengthWithoutPairingConflicts(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	device := createDevice(t, app, "")

	resp, raw := doJSON(t, app, "POST", "/api/v1/devices/"+device["id"].(string)+"/strength",
		map[string]any{"channel": "A", "mode": 2, "value": 40})
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("strength status = %d, body %s", resp.StatusCode, raw)
	}
	var out httputil.ErrorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Code != httputil.CodeNotBound {
		t.Errorf("error code = %q, want %q", out.Error.Code, httputil.CodeNotBound)
	}
}

func TestDeleteDevice(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	device := createDevice(t, app, "")
	id := device["id"].(string)

	resp, _ := doJSON(t, app, "DELETE", "/api/v1/devices/"+id, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, app, "GET", "/api/v1/devices/"+id, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestReconnectRoute(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	device := createDevice(t, app, "")
	id := device["id"].(string)

	// The controller endpoint is still registered, so the call is a no-op.
	resp, raw := doJSON(t, app, "POST", "/api/v1/devices/"+id+"/reconnect", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("reconnect status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Data["clientId"] != device["clientId"] {
		t.Errorf("clientId = %v, want %v unchanged", out.Data["clientId"], device["clientId"])
	}

	resp, _ = doJSON(t, app, "POST", "/api/v1/devices/missing/reconnect", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("reconnect missing device status = %d, want 404", resp.StatusCode)
	}
}

func TestWaveformRoutes(t *testing.T) {
	t.Parallel()

	app, lib := newTestApp(t)
	frames := []string{strings.Repeat("0a", 8)}
	if err := lib.Add(waveform.Waveform{Name: "steady", Frames: frames}); err != nil {
		t.Fatal(err)
	}

	resp, raw := doJSON(t, app, "GET", "/api/v1/waveforms", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("waveform list status = %d", resp.StatusCode)
	}
	var list struct {
		Data []waveform.Waveform `json:"data"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].Name != "steady" {
		t.Errorf("waveform list = %+v, want one entry named steady", list.Data)
	}

	resp, _ = doJSON(t, app, "GET", "/api/v1/waveforms/steady", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("waveform get status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, app, "GET", "/api/v1/waveforms/absent", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("waveform get missing status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	createDevice(t, app, "")

	resp, raw := doJSON(t, app, "GET", "/api/v1/health", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Data["status"] != "ok" {
		t.Errorf("status = %v, want ok", out.Data["status"])
	}
	if out.Data["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", out.Data["sessions"])
	}
}

func TestUpgradeRequiredOnGatewayRoute(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	resp, _ := doJSON(t, app, "GET", "/", nil)
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("plain GET / status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}
