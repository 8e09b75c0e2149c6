package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/storage"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fixtureDataset builds a tiny single-split dataset and returns its manifest
// plus the raw bytes the mirror should serve.
func fixtureDataset(t *testing.T, name string) (Manifest, map[string][]byte) {
	t.Helper()

	images := gzipBytes(t, buildImageStream(t, imageMagic, 2, ImageSize, ImageSize, func(i int) byte {
		return byte(i + 1)
	}))
	labels := gzipBytes(t, buildLabelStream(t, labelMagic, []byte{3, 8}))

	files := map[string][]byte{
		"tiny-images-idx3-ubyte.gz": images,
		"tiny-labels-idx1-ubyte.gz": labels,
	}
	manifest := Manifest{
		Name: name,
		Files: []RemoteFile{
			{Split: SplitTrain, Role: RoleImages, Name: "tiny-images-idx3-ubyte.gz", SHA256: sha256Hex(images)},
			{Split: SplitTrain, Role: RoleLabels, Name: "tiny-labels-idx1-ubyte.gz", SHA256: sha256Hex(labels)},
		},
	}
	return manifest, files
}

type mirror struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	failures map[string]int // path -> remaining 503s before success
}

func newMirror(t *testing.T, files map[string][]byte) *mirror {
	t.Helper()
	m := &mirror{failures: make(map[string]int)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")

		m.mu.Lock()
		m.requests++
		if m.failures[name] > 0 {
			m.failures[name]--
			m.mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		m.mu.Unlock()

		data, ok := files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(m.Server.Close)
	return m
}

func (m *mirror) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *mirror) failNext(name string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = times
}

func testFetcher(t *testing.T, mirrorURL string, opts Options) *Fetcher {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dataset.MirrorURL = mirrorURL
	cfg.Dataset.CacheDir = t.TempDir()
	cfg.Retry.MaxRetries = 2
	cfg.Retry.InitialBackoff = 5 * time.Millisecond
	cfg.Retry.MaxBackoff = 20 * time.Millisecond
	return NewFetcher(cfg, opts)
}

func TestFetchDownloadsAndParses(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-fetch")
	Register(manifest)
	m := newMirror(t, files)

	f := testFetcher(t, m.URL, Options{})
	ds, err := f.Fetch(context.Background(), "fixture-fetch")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if ds.Dir != filepath.Join(f.CacheDir(), "fixture-fetch") {
		t.Fatalf("unexpected dataset dir %s", ds.Dir)
	}
	if got := len(ds.Files()); got != 2 {
		t.Fatalf("expected 2 cached files, got %d", got)
	}
	for _, cached := range ds.Files() {
		info, err := os.Stat(cached.Path)
		if err != nil {
			t.Fatalf("cached file missing: %v", err)
		}
		if info.Size() != cached.Size {
			t.Fatalf("size mismatch for %s: disk %d, cached %d", cached.Path, info.Size(), cached.Size)
		}
	}

	split, err := ds.Train()
	if err != nil {
		t.Fatalf("loading train split: %v", err)
	}
	if split.Len() != 2 || split.Labels[0] != 3 {
		t.Fatalf("unexpected split: len=%d labels=%v", split.Len(), split.Labels)
	}

	if got := m.requestCount(); got != 2 {
		t.Fatalf("expected 2 mirror requests, got %d", got)
	}
}

func TestFetchCacheHitSkipsDownload(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-cache")
	Register(manifest)
	m := newMirror(t, files)

	f := testFetcher(t, m.URL, Options{})
	if _, err := f.Fetch(context.Background(), "fixture-cache"); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	ds, err := f.Fetch(context.Background(), "fixture-cache")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if _, err := ds.Train(); err != nil {
		t.Fatalf("loading cached split: %v", err)
	}

	if got := m.requestCount(); got != 2 {
		t.Fatalf("expected cache hit to skip downloads, got %d requests", got)
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-retry")
	Register(manifest)
	m := newMirror(t, files)
	m.failNext("tiny-images-idx3-ubyte.gz", 2)

	f := testFetcher(t, m.URL, Options{})
	if _, err := f.Fetch(context.Background(), "fixture-retry"); err != nil {
		t.Fatalf("Fetch should survive transient 503s: %v", err)
	}

	// 2 failures + 1 success for images, 1 for labels.
	if got := m.requestCount(); got != 4 {
		t.Fatalf("expected 4 mirror requests, got %d", got)
	}
}

func TestFetchDigestMismatch(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-digest")
	manifest.Files[1].SHA256 = strings.Repeat("0", 64)
	Register(manifest)
	m := newMirror(t, files)

	f := testFetcher(t, m.URL, Options{})
	_, err := f.Fetch(context.Background(), "fixture-digest")
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeDatasetDigest) {
		t.Fatalf("expected DATASET_DIGEST error, got %v", err)
	}

	dir := filepath.Join(f.CacheDir(), "fixture-digest")
	partials, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	if err != nil {
		t.Fatalf("globbing partials: %v", err)
	}
	if len(partials) != 0 {
		t.Fatalf("expected partial downloads to be removed, found %v", partials)
	}
	if _, err := os.Stat(filepath.Join(dir, "tiny-labels-idx1-ubyte.gz")); !os.IsNotExist(err) {
		t.Fatalf("corrupt file should not land in the cache: %v", err)
	}
}

func TestFetchUnknownDataset(t *testing.T) {
	f := testFetcher(t, "http://127.0.0.1:0", Options{})
	_, err := f.Fetch(context.Background(), "no-such-dataset")
	if err == nil {
		t.Fatal("expected error for unknown dataset")
	}
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT error, got %v", err)
	}
}

func TestFetchMirrorMissingFile(t *testing.T) {
	manifest, _ := fixtureDataset(t, "fixture-missing")
	Register(manifest)
	m := newMirror(t, map[string][]byte{})

	f := testFetcher(t, m.URL, Options{})
	_, err := f.Fetch(context.Background(), "fixture-missing")
	if err == nil {
		t.Fatal("expected error when the mirror lacks a file")
	}
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeDatasetFetch) {
		t.Fatalf("expected DATASET_FETCH error, got %v", err)
	}
}

func TestFetchRedownloadsCorruptCachedFile(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-corrupt")
	Register(manifest)
	m := newMirror(t, files)

	f := testFetcher(t, m.URL, Options{})
	dir := filepath.Join(f.CacheDir(), "fixture-corrupt")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating cache dir: %v", err)
	}
	corrupt := filepath.Join(dir, "tiny-images-idx3-ubyte.gz")
	if err := os.WriteFile(corrupt, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	ds, err := f.Fetch(context.Background(), "fixture-corrupt")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	cached, ok := ds.File(SplitTrain, RoleImages)
	if !ok {
		t.Fatal("expected train images in result")
	}
	data, err := os.ReadFile(cached.Path)
	if err != nil {
		t.Fatalf("reading replaced file: %v", err)
	}
	if sha256Hex(data) != manifest.Files[0].SHA256 {
		t.Fatal("corrupt cached file was not replaced")
	}
}

func TestFetchRecordsCacheEntries(t *testing.T) {
	manifest, files := fixtureDataset(t, "fixture-store")
	Register(manifest)
	m := newMirror(t, files)

	store, err := storage.New(filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := testFetcher(t, m.URL, Options{Store: store})
	if _, err := f.Fetch(context.Background(), "fixture-store"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	entries, err := store.ListDatasetFiles("fixture-store")
	if err != nil {
		t.Fatalf("listing cache entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 cache entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.SHA256 == "" || entry.SizeBytes == 0 {
			t.Fatalf("incomplete cache entry: %+v", entry)
		}
	}
}
