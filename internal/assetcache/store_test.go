package assetcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
)

// createTestLogger creates a logger for testing that discards output.
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// origin serves fixed bodies by path and counts requests per path.
type origin struct {
	*httptest.Server
	bodies map[string]string
	hits   map[string]*atomic.Int32
}

func newOrigin(t *testing.T, bodies map[string]string) *origin {
	t.Helper()
	o := &origin{bodies: bodies, hits: make(map[string]*atomic.Int32)}
	for p := range bodies {
		o.hits[p] = &atomic.Int32{}
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := o.bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		o.hits[r.URL.Path].Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestStore(fs afero.Fs) *FileStore {
	return NewFileStore(StoreConfig{
		Fs:           fs,
		PublicPrefix: "/assets",
	}, createTestLogger())
}

func listNames(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileStore_DownloadAsset(t *testing.T) {
	srv := newOrigin(t, map[string]string{"/a.png": "png-bytes"})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	url := srv.URL + "/a.png"
	handle, err := store.DownloadAsset(context.Background(), "a", url)
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}

	name := entryStem("a", url) + ".png"
	if handle != "/assets/"+name {
		t.Errorf("Expected handle /assets/%s, got %s", name, handle)
	}

	data, err := afero.ReadFile(fs, "/"+name)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("Unexpected content %q", data)
	}

	for _, n := range listNames(t, fs) {
		if strings.HasSuffix(n, partialSuffix) {
			t.Errorf("Partial file left behind: %s", n)
		}
	}
}

func TestFileStore_ReusesExistingCopy(t *testing.T) {
	srv := newOrigin(t, map[string]string{"/a.png": "png-bytes"})
	fs := afero.NewMemMapFs()
	url := srv.URL + "/a.png"

	if _, err := newTestStore(fs).DownloadAsset(context.Background(), "a", url); err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}

	// A fresh store over the same directory, as after a restart.
	handle, err := newTestStore(fs).DownloadAsset(context.Background(), "a", url)
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}
	if handle == "" {
		t.Fatal("Expected a handle for the reused copy")
	}
	if n := srv.hits["/a.png"].Load(); n != 1 {
		t.Errorf("Expected 1 origin request, got %d", n)
	}
}

func TestFileStore_NonOKStatus(t *testing.T) {
	srv := newOrigin(t, map[string]string{})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	handle, err := store.DownloadAsset(context.Background(), "a", srv.URL+"/missing.png")
	if err == nil {
		t.Fatal("Expected error for 404")
	}
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("Expected ErrUnexpectedStatus, got %v", err)
	}
	if handle != "" {
		t.Errorf("Expected empty handle, got %s", handle)
	}
	if names := listNames(t, fs); len(names) != 0 {
		t.Errorf("Expected empty cache, got %v", names)
	}
}

func TestFileStore_EmptyBody(t *testing.T) {
	srv := newOrigin(t, map[string]string{"/empty.png": ""})
	fs := afero.NewMemMapFs()

	if _, err := newTestStore(fs).DownloadAsset(context.Background(), "a", srv.URL+"/empty.png"); err == nil {
		t.Fatal("Expected error for empty body")
	}
	if names := listNames(t, fs); len(names) != 0 {
		t.Errorf("Expected empty cache, got %v", names)
	}
}

func TestFileStore_SourceChangeRemovesOldCopy(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/v1.mp4": "one",
		"/v2.mp4": "two",
	})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	if _, err := store.DownloadAsset(context.Background(), "promo", srv.URL+"/v1.mp4"); err != nil {
		t.Fatalf("DownloadAsset v1 failed: %v", err)
	}
	if _, err := store.DownloadAsset(context.Background(), "promo", srv.URL+"/v2.mp4"); err != nil {
		t.Fatalf("DownloadAsset v2 failed: %v", err)
	}

	names := listNames(t, fs)
	want := entryStem("promo", srv.URL+"/v2.mp4") + ".mp4"
	if len(names) != 1 || names[0] != want {
		t.Errorf("Expected only %s, got %v", want, names)
	}
}

func TestFileStore_SimilarIDsKeepSeparateCopies(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/one.png": "one",
		"/two.png": "two",
	})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	first, err := store.DownloadAsset(context.Background(), "a_b", srv.URL+"/one.png")
	if err != nil {
		t.Fatalf("DownloadAsset a_b failed: %v", err)
	}
	second, err := store.DownloadAsset(context.Background(), "a b", srv.URL+"/two.png")
	if err != nil {
		t.Fatalf("DownloadAsset 'a b' failed: %v", err)
	}
	if first == second {
		t.Fatalf("Expected distinct handles, both are %s", first)
	}

	for handle, want := range map[string]string{first: "one", second: "two"} {
		data, err := afero.ReadFile(fs, "/"+strings.TrimPrefix(handle, "/assets/"))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", handle, err)
		}
		if string(data) != want {
			t.Errorf("Expected %q in %s, got %q", want, handle, data)
		}
	}

	if err := store.CleanupAssets([]string{"a_b"}); err != nil {
		t.Fatalf("CleanupAssets failed: %v", err)
	}
	names := listNames(t, fs)
	if len(names) != 1 || !belongsTo(names[0], "a_b") {
		t.Errorf("Expected only a_b's copy, got %v", names)
	}
}

func TestFileStore_CleanupAssets(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/a.png": "a",
		"/b.png": "b",
		"/c.png": "c",
	})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.DownloadAsset(context.Background(), id, srv.URL+"/"+id+".png"); err != nil {
			t.Fatalf("DownloadAsset %s failed: %v", id, err)
		}
	}
	// Not written by the store; must go too.
	afero.WriteFile(fs, "/stray.bin", []byte("x"), 0o644)

	if err := store.CleanupAssets([]string{"b"}); err != nil {
		t.Fatalf("CleanupAssets failed: %v", err)
	}

	names := listNames(t, fs)
	if len(names) != 1 || !belongsTo(names[0], "b") {
		t.Errorf("Expected only b's copy, got %v", names)
	}
}

func TestFileStore_CleanupAssetsError(t *testing.T) {
	store := newTestStore(afero.NewReadOnlyFs(afero.NewMemMapFs()))
	// Listing a read-only empty root is fine; nothing to remove.
	if err := store.CleanupAssets(nil); err != nil {
		t.Errorf("Expected no error on empty cache, got %v", err)
	}

	base := afero.NewMemMapFs()
	afero.WriteFile(base, "/old-0123abcd.png", []byte("x"), 0o644)
	store = newTestStore(afero.NewReadOnlyFs(base))
	if err := store.CleanupAssets(nil); err == nil {
		t.Error("Expected error removing from read-only cache")
	}
}

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
high/index.m3u8
`

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
seg1.ts
#EXTINF:3.5,
seg2.ts
#EXT-X-ENDLIST
`

func TestFileStore_DownloadHLS(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/promo/master.m3u8":     masterPlaylist,
		"/promo/high/index.m3u8": vodPlaylist,
		"/promo/high/seg1.ts":    "segment-one",
		"/promo/high/seg2.ts":    "segment-two",
		"/promo/low/index.m3u8":  vodPlaylist,
	})
	fs := afero.NewMemMapFs()
	store := newTestStore(fs)

	url := srv.URL + "/promo/master.m3u8"
	handle, err := store.DownloadAsset(context.Background(), "promo", url)
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}

	stem := entryStem("promo", url)
	if handle != "/assets/"+stem+"/index.m3u8" {
		t.Errorf("Unexpected handle %s", handle)
	}
	if n := srv.hits["/promo/low/index.m3u8"].Load(); n != 0 {
		t.Errorf("Expected the low rendition to be skipped, got %d requests", n)
	}

	data, err := afero.ReadFile(fs, "/"+stem+"/seg00000.ts")
	if err != nil {
		t.Fatalf("ReadFile segment: %v", err)
	}
	if string(data) != "segment-one" {
		t.Errorf("Unexpected segment content %q", data)
	}

	index, err := afero.ReadFile(fs, "/"+stem+"/index.m3u8")
	if err != nil {
		t.Fatalf("ReadFile index: %v", err)
	}
	for _, want := range []string{"seg00000.ts", "seg00001.ts", "#EXT-X-ENDLIST"} {
		if !strings.Contains(string(index), want) {
			t.Errorf("Local playlist missing %q:\n%s", want, index)
		}
	}

	// Second call reuses the mirror.
	if _, err := store.DownloadAsset(context.Background(), "promo", url); err != nil {
		t.Fatalf("DownloadAsset (reuse) failed: %v", err)
	}
	if n := srv.hits["/promo/master.m3u8"].Load(); n != 1 {
		t.Errorf("Expected 1 master request, got %d", n)
	}
}

func TestFileStore_DownloadHLS_LiveRejected(t *testing.T) {
	live := strings.Replace(vodPlaylist, "#EXT-X-ENDLIST\n", "", 1)
	srv := newOrigin(t, map[string]string{
		"/live.m3u8": live,
		"/seg1.ts":   "x",
		"/seg2.ts":   "y",
	})
	fs := afero.NewMemMapFs()

	_, err := newTestStore(fs).DownloadAsset(context.Background(), "live", srv.URL+"/live.m3u8")
	if !errors.Is(err, ErrLiveStream) {
		t.Errorf("Expected ErrLiveStream, got %v", err)
	}
	if n := srv.hits["/seg1.ts"].Load(); n != 0 {
		t.Errorf("Expected no segment requests, got %d", n)
	}
}

func TestFileStore_DownloadHLS_MissingSegment(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/vod.m3u8": vodPlaylist,
		"/seg1.ts":  "x",
	})
	fs := afero.NewMemMapFs()

	if _, err := newTestStore(fs).DownloadAsset(context.Background(), "vod", srv.URL+"/vod.m3u8"); err == nil {
		t.Fatal("Expected error for missing segment")
	}
	if names := listNames(t, fs); len(names) != 0 {
		t.Errorf("Expected incomplete mirror to be removed, got %v", names)
	}
}

// indexFailFs refuses to put an HLS index in place.
type indexFailFs struct {
	afero.Fs
}

func (f indexFailFs) Rename(oldname, newname string) error {
	if strings.HasSuffix(newname, "/"+hlsIndex) {
		return errors.New("disk full")
	}
	return f.Fs.Rename(oldname, newname)
}

func TestFileStore_DownloadHLS_IndexWriteFailure(t *testing.T) {
	srv := newOrigin(t, map[string]string{
		"/vod.m3u8": vodPlaylist,
		"/seg1.ts":  "x",
		"/seg2.ts":  "y",
	})
	mem := afero.NewMemMapFs()

	if _, err := newTestStore(indexFailFs{mem}).DownloadAsset(context.Background(), "vod", srv.URL+"/vod.m3u8"); err == nil {
		t.Fatal("Expected error when the index cannot be written")
	}
	if names := listNames(t, mem); len(names) != 0 {
		t.Errorf("Expected incomplete mirror to be removed, got %v", names)
	}
}
