package splitloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/airborne/pkg/client/updater/fetcher"
	"github.com/unbasical/airborne/pkg/client/updater/storage"
	"github.com/unbasical/airborne/pkg/client/updater/updaterstate"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

const chunk = "export const chunk = 1;"

type callbacks struct {
	mu      sync.Mutex
	files   map[string][]bool
	batches []bool
}

func newCallbacks() *callbacks {
	return &callbacks{files: map[string][]bool{}}
}

func (c *callbacks) FileInstalled(path string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = append(c.files[path], ok)
}

func (c *callbacks) SplitsInstalled(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, ok)
}

type fixture struct {
	store    *storage.Manager
	srv      *httptest.Server
	requests atomic.Int32
	gate     chan struct{}
	started  chan struct{}
	base     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{base: t.TempDir()}
	var err error
	f.store, err = storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.store.Close()
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.started != nil {
			f.started <- struct{}{}
		}
		if f.gate != nil {
			<-f.gate
		}
		switch r.URL.Path {
		case "/chunk.js":
			_, _ = w.Write([]byte(chunk))
		case "/tampered.js":
			_, _ = w.Write([]byte("evil"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// promote installs a release whose only eager file is the index.
func (f *fixture) promote(t *testing.T, version string) updaterstate.BundleVersion {
	t.Helper()
	mf := &manifest.ReleaseManifest{
		Version: version,
		Digest:  digest.FromString(version),
		Files: []manifest.FileEntry{
			{Path: "index.bundle.js", Checksum: digest.FromString(version), Size: int64(len(version))},
			{Path: "chunk.js", Checksum: digest.FromString(chunk), Size: int64(len(chunk)), IsLazy: true},
			{Path: "tampered.js", Checksum: digest.FromString("good"), IsLazy: true},
		},
	}
	session := "s-" + version
	dl, err := f.store.DownloadDir(session)
	require.NoError(t, err)
	src := filepath.Join(dl, "index")
	require.NoError(t, os.WriteFile(src, []byte(version), 0644))
	index, _ := mf.File("index.bundle.js")
	_, err = f.store.Stage(session, index, src)
	require.NoError(t, err)
	v, err := f.store.Promote(session, mf)
	require.NoError(t, err)
	return v
}

func (f *fixture) active() (updaterstate.BundleVersion, bool) {
	s, err := f.store.State()
	if err != nil {
		return updaterstate.BundleVersion{}, false
	}
	return s.Active()
}

func (f *fixture) loader(cfg Config, active ActiveFunc, cb SplitCallback) *Loader {
	cfg.ManifestURL = f.srv.URL + "/release.json"
	if cfg.BaseBundleDir == "" {
		cfg.BaseBundleDir = f.base
	}
	if active == nil {
		active = f.active
	}
	d := fetcher.NewHTTPDownloader(fetcher.WithMaxAttempts(1))
	return New(cfg, f.store, active, WithFetcher(d), WithCallback(cb))
}

func TestEnsureSplitInstallsIntoActiveVersion(t *testing.T) {
	f := newFixture(t)
	v := f.promote(t, "v1")
	cb := newCallbacks()
	l := f.loader(Config{}, nil, cb)

	local, err := l.EnsureSplit(context.Background(), "./chunk.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.Dir, "chunk.js"), local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, chunk, string(data))

	// present files are not downloaded again
	_, err = l.EnsureSplit(context.Background(), "chunk.js")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.requests.Load())
	assert.Equal(t, []bool{true}, cb.files["./chunk.js"])
	assert.Equal(t, []bool{true}, cb.files["chunk.js"])
}

func TestEnsureSplitConcurrentCallersShareOneFetch(t *testing.T) {
	f := newFixture(t)
	f.promote(t, "v1")
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 2)
	cb := newCallbacks()
	l := f.loader(Config{}, nil, cb)

	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		paths[0], errs[0] = l.EnsureSplit(context.Background(), "chunk.js")
	}()
	<-f.started
	wg.Add(1)
	go func() {
		defer wg.Done()
		paths[1], errs[1] = l.EnsureSplit(context.Background(), "chunk.js")
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, paths[0], paths[1])
	assert.EqualValues(t, 1, f.requests.Load())
	assert.Equal(t, []bool{true, true}, cb.files["chunk.js"])
}

func TestFetchSkipsFileInstalledMeanwhile(t *testing.T) {
	f := newFixture(t)
	v := f.promote(t, "v1")
	l := f.loader(Config{}, nil, nil)
	entry, ok := v.Manifest.File("chunk.js")
	require.True(t, ok)

	// installed by a fetch that completed after the caller saw the file missing
	want := filepath.Join(v.Dir, "chunk.js")
	require.NoError(t, os.WriteFile(want, []byte(chunk), 0644))

	local, err := l.fetch(context.Background(), v, entry)
	require.NoError(t, err)
	assert.Equal(t, want, local)
	assert.Zero(t, f.requests.Load())
}

func TestEnsureSplitRetriesWhenSuperseded(t *testing.T) {
	f := newFixture(t)
	v1 := f.promote(t, "v1")
	v2 := f.promote(t, "v2")

	// the first lookup still sees v1, as if v2 was promoted during the download
	var calls atomic.Int32
	active := func() (updaterstate.BundleVersion, bool) {
		if calls.Add(1) == 1 {
			return v1, true
		}
		return f.active()
	}
	l := f.loader(Config{}, active, nil)
	local, err := l.EnsureSplit(context.Background(), "chunk.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v2.Dir, "chunk.js"), local)
	assert.EqualValues(t, 2, f.requests.Load())
	assert.NoFileExists(t, filepath.Join(v1.Dir, "chunk.js"))
}

func TestEnsureSplitIntegrityFailure(t *testing.T) {
	f := newFixture(t)
	v := f.promote(t, "v1")
	cb := newCallbacks()
	l := f.loader(Config{}, nil, cb)

	_, err := l.EnsureSplit(context.Background(), "tampered.js")
	assert.True(t, errors.Is(err, errdef.ErrIntegrity), "got %v", err)
	assert.NoFileExists(t, filepath.Join(v.Dir, "tampered.js"))
	assert.Equal(t, []bool{false}, cb.files["tampered.js"])
}

func TestEnsureSplitsBatch(t *testing.T) {
	f := newFixture(t)
	f.promote(t, "v1")
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "fonts.ttf"), []byte("font"), 0644))
	cb := newCallbacks()
	l := f.loader(Config{}, nil, cb)

	local, err := l.EnsureSplits(context.Background(), []string{"chunk.js", "fonts.ttf"})
	require.NoError(t, err)
	assert.Len(t, local, 2)
	assert.Equal(t, []bool{true}, cb.batches)

	_, err = l.EnsureSplits(context.Background(), []string{"chunk.js", "missing.js"})
	assert.True(t, errors.Is(err, errdef.ErrFileNotFound), "got %v", err)
	assert.Equal(t, []bool{true, false}, cb.batches)
	assert.Equal(t, []bool{false}, cb.files["missing.js"])
}

func TestBundledOnlyNeverUsesTheNetwork(t *testing.T) {
	f := newFixture(t)
	f.promote(t, "v1")
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "chunk.js"), []byte("bundled"), 0644))
	l := f.loader(Config{BundledOnly: true}, nil, nil)

	local, err := l.EnsureSplit(context.Background(), "chunk.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.base, "chunk.js"), local)

	_, err = l.EnsureSplit(context.Background(), "tampered.js")
	assert.True(t, errors.Is(err, errdef.ErrFileNotFound), "got %v", err)
	assert.Zero(t, f.requests.Load())
}

func TestEnsureSplitRejectsEscapingPaths(t *testing.T) {
	f := newFixture(t)
	l := f.loader(Config{}, nil, nil)
	_, err := l.EnsureSplit(context.Background(), "../state.json")
	assert.True(t, errors.Is(err, errdef.ErrFileNotFound), "got %v", err)
}
