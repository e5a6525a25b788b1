// Package integration provides integration testing utilities for the kiosk.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agleyzer/kiosk/internal/playlist"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	kioskCmd   *exec.Cmd
	kioskPort  int
	originDir  string
	cacheDir   string
	cancel     context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:         t,
		httpPort:  findAvailablePort(t),
		kioskPort: findAvailablePort(t),
		cacheDir:  t.TempDir(),
	}
}

// OriginURL returns the URL of name on the origin server.
func (h *TestHarness) OriginURL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// StartOrigin starts an HTTP server serving the feed and the creatives.
func (h *TestHarness) StartOrigin(files map[string]string) {
	h.t.Helper()

	h.originDir = h.t.TempDir()
	for name, content := range files {
		h.SetFile(name, content)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.originDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(fmt.Sprintf("http://localhost:%d", h.httpPort), 5*time.Second)
	h.t.Logf("Origin server started on port %d", h.httpPort)
}

// SetFile creates or replaces a file on the origin.
func (h *TestHarness) SetFile(name, content string) {
	h.t.Helper()

	if h.originDir == "" {
		h.t.Fatal("StartOrigin must be called before SetFile")
	}

	path := filepath.Join(h.originDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("failed to create origin directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("failed to write origin file: %v", err)
	}
}

// StartKiosk starts the kiosk binary against the feed named feedName.
func (h *TestHarness) StartKiosk(feedName string, args ...string) {
	h.t.Helper()

	binaryPath := h.findKioskBinary()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	cmdArgs := append([]string{
		"--port", fmt.Sprintf("%d", h.kioskPort),
		"--cache-dir", h.cacheDir,
	}, args...)
	cmdArgs = append(cmdArgs, h.OriginURL(feedName))

	h.kioskCmd = exec.CommandContext(ctx, binaryPath, cmdArgs...)
	h.kioskCmd.Stdout = os.Stdout
	h.kioskCmd.Stderr = os.Stderr

	if err := h.kioskCmd.Start(); err != nil {
		h.t.Fatalf("failed to start kiosk: %v", err)
	}

	h.waitForServer(fmt.Sprintf("http://localhost:%d/health", h.kioskPort), 10*time.Second)
	h.t.Logf("Kiosk started on port %d", h.kioskPort)
}

// FetchNow fetches the current slot from the kiosk.
func (h *TestHarness) FetchNow() playlist.Snapshot {
	h.t.Helper()

	var snap playlist.Snapshot
	h.getJSON("/now", &snap)
	return snap
}

// FetchHealth fetches the health endpoint.
func (h *TestHarness) FetchHealth() map[string]any {
	h.t.Helper()

	var health map[string]any
	h.getJSON("/health", &health)
	return health
}

// FetchKiosk fetches path from the kiosk and returns the status and body.
func (h *TestHarness) FetchKiosk(path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", h.kioskPort, path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

func (h *TestHarness) getJSON(path string, v any) {
	h.t.Helper()

	status, body := h.FetchKiosk(path)
	if status != http.StatusOK {
		h.t.Fatalf("unexpected status code for %s: %d", path, status)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		h.t.Fatalf("failed to decode %s: %v", path, err)
	}
}

// CacheDir returns the kiosk's asset cache directory.
func (h *TestHarness) CacheDir() string {
	return h.cacheDir
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.kioskCmd != nil && h.kioskCmd.Process != nil {
		h.kioskCmd.Process.Kill()
		h.kioskCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findKioskBinary locates the kiosk binary.
func (h *TestHarness) findKioskBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../kiosk",       // From test/integration
		"./kiosk",           // From project root
		"../kiosk",          // From test directory
		"./cmd/kiosk/kiosk", // Built in place
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found kiosk binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Skip("kiosk binary not found. Run 'go build -o kiosk ./cmd/kiosk' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}
