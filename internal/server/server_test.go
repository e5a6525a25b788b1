package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agleyzer/kiosk/internal/ad"
	"github.com/agleyzer/kiosk/internal/clock"
	"github.com/agleyzer/kiosk/internal/events"
	"github.com/agleyzer/kiosk/internal/fetcher"
	"github.com/agleyzer/kiosk/internal/playlist"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fixedStatus struct{ status fetcher.Status }

func (f fixedStatus) Status() fetcher.Status { return f.status }

type testEnv struct {
	clk       *clock.Fake
	scheduler *playlist.Scheduler
	bus       *events.Bus
	assets    afero.Fs
	srv       *Server
}

func createTestAds() []ad.Ad {
	ads := make([]ad.Ad, 3)
	for i := range ads {
		ads[i] = ad.Ad{
			ID:         string(rune('a' + i)),
			Type:       ad.TypeImage,
			Src:        "https://cdn.example.com/" + string(rune('a'+i)) + ".png",
			DurationMs: 5000,
			Transition: ad.Transition{Enter: ad.EffectFade, Exit: ad.EffectSlideLeft},
		}
	}
	return ads
}

func newTestEnv(t *testing.T, devMode bool, ads []ad.Ad) *testEnv {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	scheduler := playlist.New(nil, clk, devMode, createTestLogger())
	t.Cleanup(scheduler.Close)

	bus := events.NewBus()
	scheduler.Subscribe(func(snap playlist.Snapshot) {
		bus.Publish(events.TypeSlot, snap)
	})
	if ads != nil {
		scheduler.Replace(ads)
	}

	assets := afero.NewMemMapFs()
	status := fixedStatus{fetcher.Status{Kind: fetcher.StatusOK, Text: "ok", Ads: len(ads)}}
	srv := New(scheduler, status, bus, Config{Port: 0, DevMode: devMode, Build: "42", Assets: assets}, createTestLogger())

	return &testEnv{clk: clk, scheduler: scheduler, bus: bus, assets: assets, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	bus := events.NewBus()
	logger := createTestLogger()
	srv := New(nil, nil, bus, Config{Port: 8080}, logger)

	if srv.cfg.Port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.bus != bus {
		t.Error("Bus not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())

	w := env.do(t, "GET", "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}
	if health["build"] != "42" {
		t.Errorf("Expected build '42', got '%v'", health["build"])
	}

	stats, ok := health["stats"].(map[string]interface{})
	if !ok {
		t.Fatal("Stats is not a map")
	}
	expectedFields := []string{"playlist_length", "active", "current_index", "exiting", "current_id"}
	for _, field := range expectedFields {
		if _, ok := stats[field]; !ok {
			t.Errorf("Stats missing field '%s'", field)
		}
	}
	if stats["playlist_length"].(float64) != 3 {
		t.Errorf("Expected playlist_length 3, got %v", stats["playlist_length"])
	}

	feed, ok := health["feed"].(map[string]interface{})
	if !ok || feed["kind"] != "ok" {
		t.Errorf("Expected feed status ok, got %v", health["feed"])
	}
}

func TestHandleHealth_AfterAdvance(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())
	env.clk.Advance(10 * time.Second)

	var health map[string]interface{}
	json.NewDecoder(env.do(t, "GET", "/health").Body).Decode(&health)

	stats := health["stats"].(map[string]interface{})
	if idx := stats["current_index"].(float64); idx != 2 {
		t.Errorf("Expected current_index 2, got %v", idx)
	}
}

func TestHandleNow(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())

	w := env.do(t, "GET", "/now")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Expected no-cache, got %q", cc)
	}

	var snap playlist.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to parse snapshot: %v", err)
	}
	if !snap.Active || snap.Ad.ID != "a" {
		t.Errorf("Expected slot a active, got %+v", snap)
	}
	if snap.CommittedSrc != "https://cdn.example.com/a.png" {
		t.Errorf("Expected remote committed source, got %s", snap.CommittedSrc)
	}
	if snap.Enter != ad.EffectFade || snap.Exit != ad.EffectSlideLeft {
		t.Errorf("Unexpected effects %s/%s", snap.Enter, snap.Exit)
	}
}

func TestHandleNow_Empty(t *testing.T) {
	env := newTestEnv(t, false, nil)

	var snap playlist.Snapshot
	json.NewDecoder(env.do(t, "GET", "/now").Body).Decode(&snap)
	if snap.Active {
		t.Error("Expected no active slot")
	}
}

func TestHandleNavigate(t *testing.T) {
	env := newTestEnv(t, true, createTestAds())

	w := env.do(t, "POST", "/nav/next")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var snap playlist.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if !snap.Exiting || snap.Index != 0 {
		t.Errorf("Expected slot 0 exiting, got %+v", snap)
	}

	env.clk.Advance(ad.ExitAnimation)
	if got := env.scheduler.Snapshot(); got.Index != 1 || got.Exiting {
		t.Errorf("Expected slot 1 showing, got %+v", got)
	}

	env.do(t, "POST", "/nav/prev")
	env.clk.Advance(ad.ExitAnimation)
	if got := env.scheduler.Snapshot(); got.Index != 0 {
		t.Errorf("Expected slot 0 after prev, got %d", got.Index)
	}
}

func TestHandleNavigate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		devMode bool
		ads     []ad.Ad
		method  string
		path    string
		want    int
	}{
		{name: "disabled outside dev mode", devMode: false, ads: createTestAds(), method: "POST", path: "/nav/next", want: http.StatusForbidden},
		{name: "unknown direction", devMode: true, ads: createTestAds(), method: "POST", path: "/nav/sideways", want: http.StatusNotFound},
		{name: "no active slot", devMode: true, ads: nil, method: "POST", path: "/nav/next", want: http.StatusConflict},
		{name: "wrong method", devMode: true, ads: createTestAds(), method: "GET", path: "/nav/next", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.devMode, tt.ads)
			if w := env.do(t, tt.method, tt.path); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestAssets(t *testing.T) {
	env := newTestEnv(t, false, nil)
	afero.WriteFile(env.assets, "/a-0123abcd.png", []byte("png-bytes"), 0o644)

	w := env.do(t, "GET", "/assets/a-0123abcd.png")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "png-bytes" {
		t.Errorf("Unexpected body %q", w.Body.String())
	}

	if w := env.do(t, "GET", "/assets/missing.png"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())

	w := env.do(t, "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "kiosk_playlist_replacements_total") {
		t.Error("Metrics output missing kiosk collectors")
	}
}

type wireEvent struct {
	Type    events.Type     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebsocket(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	read := func() wireEvent {
		t.Helper()
		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return ev
	}
	slot := func(ev wireEvent) playlist.Snapshot {
		t.Helper()
		var snap playlist.Snapshot
		if err := json.Unmarshal(ev.Payload, &snap); err != nil {
			t.Fatalf("Bad slot payload: %v", err)
		}
		return snap
	}

	first := read()
	if first.Type != events.TypeSlot || slot(first).Ad.ID != "a" {
		t.Fatalf("Expected initial slot event for a, got %s %s", first.Type, first.Payload)
	}

	env.bus.Publish(events.TypeUpdateAvailable, events.UpdateAvailable{CurrentBuild: "42", LatestBuild: "43"})
	if ev := read(); ev.Type != events.TypeUpdateAvailable {
		t.Errorf("Expected update event, got %s", ev.Type)
	}

	// Exit then advance.
	env.clk.Advance(5 * time.Second)
	if snap := slot(read()); !snap.Exiting || snap.Index != 0 {
		t.Errorf("Expected slot 0 exiting, got %+v", snap)
	}
	if snap := slot(read()); snap.Exiting || snap.Index != 1 {
		t.Errorf("Expected slot 1 showing, got %+v", snap)
	}
}

func TestWebsocket_UnsubscribesOnDisconnect(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	var ev wireEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n := env.bus.Subscribers(events.TypeUpdateAvailable); n != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", n)
	}

	conn.Close(ws.StatusNormalClosure, "bye")

	deadline := time.After(2 * time.Second)
	for env.bus.Subscribers(events.TypeUpdateAvailable) != 0 {
		select {
		case <-deadline:
			t.Fatal("Subscription leaked after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(nil, nil, events.NewBus(), Config{}, createTestLogger())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	env := newTestEnv(t, false, createTestAds())
	srv := New(env.scheduler, nil, env.bus, Config{Port: 0}, createTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}
