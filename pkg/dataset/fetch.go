package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/retry"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

// CachedFile is a verified dataset file in the local cache.
type CachedFile struct {
	Split  string
	Role   string
	Path   string
	SHA256 string
	Size   int64
}

// LocalDataset is the result of a fetch: every file of the dataset staged
// and verified under the cache directory.
type LocalDataset struct {
	Name  string
	Dir   string
	files map[string]CachedFile
}

func fileKey(split, role string) string {
	return split + "/" + role
}

// File returns the cached file for a split/role pair.
func (d *LocalDataset) File(split, role string) (CachedFile, bool) {
	f, ok := d.files[fileKey(split, role)]
	return f, ok
}

// Files returns all cached files ordered by split then role.
func (d *LocalDataset) Files() []CachedFile {
	out := make([]CachedFile, 0, len(d.files))
	for _, f := range d.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Split != out[j].Split {
			return out[i].Split < out[j].Split
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Load parses a split's image/label pair into memory.
func (d *LocalDataset) Load(split string) (*Split, error) {
	images, ok := d.File(split, RoleImages)
	if !ok {
		return nil, kilnerrors.New(kilnerrors.ErrCodeDatasetParse, "split has no image file").
			WithContext("dataset", d.Name).
			WithContext("split", split)
	}
	labels, ok := d.File(split, RoleLabels)
	if !ok {
		return nil, kilnerrors.New(kilnerrors.ErrCodeDatasetParse, "split has no label file").
			WithContext("dataset", d.Name).
			WithContext("split", split)
	}
	return LoadSplit(images.Path, labels.Path)
}

// Train loads the training split.
func (d *LocalDataset) Train() (*Split, error) {
	return d.Load(SplitTrain)
}

// Test loads the test split.
func (d *LocalDataset) Test() (*Split, error) {
	return d.Load(SplitTest)
}

// Fetcher downloads dataset files into the local cache, verifying digests
// and recording cache entries.
type Fetcher struct {
	mirror   string
	cacheDir string
	verify   bool
	client   *http.Client
	strategy retry.Strategy
	store    *storage.Store
	logger   *logging.Logger
	hub      *telemetry.Hub
}

// Options carries the optional collaborators of a Fetcher. All fields may
// be left nil.
type Options struct {
	Store  *storage.Store
	Logger *logging.Logger
	Hub    *telemetry.Hub
	Client *http.Client
}

// NewFetcher builds a Fetcher from configuration.
func NewFetcher(cfg *config.Config, opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	return &Fetcher{
		mirror:   strings.TrimRight(cfg.Dataset.MirrorURL, "/"),
		cacheDir: config.ResolveDatasetCacheDir(cfg),
		verify:   cfg.Dataset.VerifyDigests,
		client:   client,
		strategy: retry.FromPolicy(cfg.Retry),
		store:    opts.Store,
		logger:   opts.Logger,
		hub:      opts.Hub,
	}
}

// CacheDir returns the root of the dataset cache.
func (f *Fetcher) CacheDir() string {
	return f.cacheDir
}

// Fetch ensures every file of the named dataset is cached and verified,
// downloading missing or corrupt files in parallel. It returns the staged
// dataset ready for parsing.
func (f *Fetcher) Fetch(ctx context.Context, name string) (*LocalDataset, error) {
	manifest, ok := Lookup(name)
	if !ok {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "unknown dataset").
			WithContext("dataset", name).
			WithRemediation("list known datasets with `kiln fetch --list`")
	}

	dir := filepath.Join(f.cacheDir, manifest.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "creating cache directory").
			WithContext("dir", dir)
	}

	f.publish(telemetry.EventDatasetFetchStarted, map[string]any{
		"dataset": manifest.Name,
		"files":   len(manifest.Files),
	})
	f.logInfo("fetch.started", fmt.Sprintf("fetching %s (%d files)", manifest.Name, len(manifest.Files)), map[string]any{
		"dataset": manifest.Name,
		"mirror":  f.mirror,
	})

	results := make([]CachedFile, len(manifest.Files))
	g, gctx := errgroup.WithContext(ctx)
	for i, rf := range manifest.Files {
		i, rf := i, rf // capture for goroutine
		g.Go(func() error {
			cached, err := f.ensureFile(gctx, manifest.Name, dir, rf)
			if err != nil {
				return err
			}
			results[i] = cached
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.publish(telemetry.EventDatasetFetchFailed, map[string]any{
			"dataset": manifest.Name,
			"error":   err.Error(),
		})
		f.logError("fetch.failed", fmt.Sprintf("fetching %s failed", manifest.Name), map[string]any{
			"dataset": manifest.Name,
			"error":   err.Error(),
		})
		return nil, err
	}

	ds := &LocalDataset{
		Name:  manifest.Name,
		Dir:   dir,
		files: make(map[string]CachedFile, len(results)),
	}
	for _, cached := range results {
		ds.files[fileKey(cached.Split, cached.Role)] = cached
	}

	f.publish(telemetry.EventDatasetFetchCompleted, map[string]any{
		"dataset": manifest.Name,
	})
	f.logInfo("fetch.completed", fmt.Sprintf("%s cached at %s", manifest.Name, dir), map[string]any{
		"dataset": manifest.Name,
	})

	return ds, nil
}

// ensureFile returns the cached file, downloading it when missing or when
// its digest no longer matches the manifest.
func (f *Fetcher) ensureFile(ctx context.Context, dataset, dir string, rf RemoteFile) (CachedFile, error) {
	path := filepath.Join(dir, rf.Name)

	if digest, size, err := hashFile(path); err == nil {
		if !f.verify || rf.SHA256 == "" || digest == rf.SHA256 {
			cached := CachedFile{Split: rf.Split, Role: rf.Role, Path: path, SHA256: digest, Size: size}
			f.record(dataset, cached)
			return cached, nil
		}
		f.logInfo("fetch.redownload", fmt.Sprintf("%s digest changed, re-downloading", rf.Name), map[string]any{
			"dataset": dataset,
			"file":    rf.Name,
		})
	}

	var cached CachedFile
	err := f.strategy.Execute(ctx, func() error {
		var err error
		cached, err = f.download(ctx, dataset, path, rf)
		return err
	})
	if err != nil {
		return CachedFile{}, err
	}

	f.record(dataset, cached)
	telemetry.RecordDatasetDownload(dataset)
	return cached, nil
}

func (f *Fetcher) download(ctx context.Context, dataset, path string, rf RemoteFile) (CachedFile, error) {
	url := f.mirror + "/" + rf.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CachedFile{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "building request").
			WithContext("url", url)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return CachedFile{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "downloading").
			WithContext("url", url).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return CachedFile{}, kilnerrors.New(kilnerrors.ErrCodeDatasetFetch,
			fmt.Sprintf("mirror returned %s", resp.Status)).
			WithContext("url", url).
			WithRetryable(retry.RetryableStatus(resp.StatusCode))
	}

	tmp := path + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return CachedFile{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "creating temp file").
			WithContext("path", tmp)
	}
	// Best-effort cleanup; after a successful rename the temp path is gone.
	defer os.Remove(tmp)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return CachedFile{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "writing download").
			WithContext("url", url).
			WithRetryable(true)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if f.verify && rf.SHA256 != "" && digest != rf.SHA256 {
		return CachedFile{}, kilnerrors.New(kilnerrors.ErrCodeDatasetDigest, "sha256 mismatch").
			WithContext("file", rf.Name).
			WithContext("want", rf.SHA256).
			WithContext("got", digest).
			WithRemediation("the mirror may be corrupt; try a different dataset_mirror")
	}

	if err := os.Rename(tmp, path); err != nil {
		return CachedFile{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetFetch, "moving download into cache").
			WithContext("path", path)
	}

	f.logInfo("fetch.file", fmt.Sprintf("downloaded %s (%d bytes)", rf.Name, size), map[string]any{
		"dataset": dataset,
		"file":    rf.Name,
		"bytes":   size,
	})

	return CachedFile{Split: rf.Split, Role: rf.Role, Path: path, SHA256: digest, Size: size}, nil
}

// record stores the cache entry when a store is attached.
func (f *Fetcher) record(dataset string, cached CachedFile) {
	if f.store == nil {
		return
	}
	entry := &storage.DatasetFile{
		Dataset:   dataset,
		Split:     cached.Split,
		Role:      cached.Role,
		Path:      cached.Path,
		SHA256:    cached.SHA256,
		SizeBytes: cached.Size,
	}
	if err := f.store.RecordDatasetFile(entry); err != nil {
		f.logError("fetch.record", "recording cache entry failed", map[string]any{
			"dataset": dataset,
			"file":    cached.Path,
			"error":   err.Error(),
		})
	}
}

func (f *Fetcher) publish(eventType telemetry.EventType, data map[string]any) {
	if f.hub == nil {
		return
	}
	f.hub.Publish(telemetry.Event{Type: eventType, Data: data})
}

func (f *Fetcher) logInfo(eventType, message string, details map[string]any) {
	if f.logger == nil {
		return
	}
	f.logger.Info(logging.CategoryDataset, eventType, message, details)
}

func (f *Fetcher) logError(eventType, message string, details map[string]any) {
	if f.logger == nil {
		return
	}
	f.logger.Error(logging.CategoryDataset, eventType, message, details)
}

// hashFile returns the SHA-256 digest and size of an existing file.
func hashFile(path string) (string, int64, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer fd.Close()

	h := sha256.New()
	size, err := io.Copy(h, fd)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
