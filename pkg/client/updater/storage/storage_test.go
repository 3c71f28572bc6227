package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

func release(t *testing.T, version string, files map[string]string, lazy ...string) *manifest.ReleaseManifest {
	t.Helper()
	mf := &manifest.ReleaseManifest{Version: version, Digest: digest.FromString(version)}
	for p, content := range files {
		mf.Files = append(mf.Files, manifest.FileEntry{
			Path:     p,
			Checksum: digest.FromString(content),
			Size:     int64(len(content)),
		})
	}
	for _, p := range lazy {
		mf.Files = append(mf.Files, manifest.FileEntry{Path: p, Checksum: digest.FromString(p), IsLazy: true})
	}
	return mf
}

// install stages and promotes the files of a release as if they were downloaded.
func install(t *testing.T, m *Manager, session string, mf *manifest.ReleaseManifest, files map[string]string) {
	t.Helper()
	dl, err := m.DownloadDir(session)
	require.NoError(t, err)
	for p, content := range files {
		e, _ := mf.File(p)
		src := filepath.Join(dl, filepath.Base(p))
		require.NoError(t, os.WriteFile(src, []byte(content), 0644))
		_, err := m.Stage(session, e, src)
		require.NoError(t, err)
	}
	_, err = m.Promote(session, mf)
	require.NoError(t, err)
}

func TestPromoteAndRollback(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	v1Files := map[string]string{"index.bundle.js": "v1"}
	v1 := release(t, "1", v1Files)
	install(t, m, "s1", v1, v1Files)

	v2Files := map[string]string{"index.bundle.js": "v2", "assets/logo.png": "logo"}
	v2 := release(t, "2", v2Files)
	install(t, m, "s2", v2, v2Files)

	s, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, v2.ID(), s.Current)
	assert.Equal(t, v1.ID(), s.RollbackTarget)
	data, err := os.ReadFile(filepath.Join(m.VersionDir(v2.ID()), "assets", "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "logo", string(data))

	abandoned, restored, err := m.Rollback()
	require.NoError(t, err)
	assert.Equal(t, v2.ID(), abandoned.ID)
	assert.Equal(t, v1.ID(), restored.ID)
	assert.NoDirExists(t, m.VersionDir(v2.ID()))

	s, err = m.State()
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), s.Current)
	assert.True(t, s.HasFailed(v2.ID()))

	_, _, err = m.Rollback()
	assert.ErrorIs(t, err, errdef.ErrNoRollbackTarget)
}

func TestAtMostTwoVersions(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	var ids []string
	for _, v := range []string{"1", "2", "3"} {
		files := map[string]string{"index.bundle.js": v}
		mf := release(t, v, files)
		install(t, m, "s"+v, mf, files)
		ids = append(ids, mf.ID())
	}
	entries, err := os.ReadDir(filepath.Join(m.Root(), versionsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NoDirExists(t, m.VersionDir(ids[0]))
}

func TestPromoteSameVersionKeepsActive(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1"}
	mf := release(t, "1", files)
	install(t, m, "s1", mf, files)
	install(t, m, "s2", mf, files)

	s, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, mf.ID(), s.Current)
	assert.Empty(t, s.RollbackTarget)
	assert.FileExists(t, filepath.Join(m.VersionDir(mf.ID()), "index.bundle.js"))
}

func TestStageReuseLinksActiveFile(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1", "common.js": "shared"}
	v1 := release(t, "1", files)
	install(t, m, "s1", v1, files)
	s, err := m.State()
	require.NoError(t, err)
	active, ok := s.Active()
	require.True(t, ok)

	e, _ := v1.File("common.js")
	dst, err := m.StageReuse("s2", e, active)
	require.NoError(t, err)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestSweepRemovesOrphans(t *testing.T) {
	root := t.TempDir()
	m, err := New(root)
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1"}
	v1 := release(t, "1", files)
	install(t, m, "s1", v1, files)

	// simulate a crash between staging and promotion
	dl, err := m.DownloadDir("crashed")
	require.NoError(t, err)
	src := filepath.Join(dl, "index.bundle.js")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0644))
	_, err = m.Stage("crashed", manifest.FileEntry{Path: "index.bundle.js"}, src)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(m.VersionDir("stray-000000000000"), 0755))

	m2, err := New(root)
	require.NoError(t, err)
	require.NoError(t, m2.Sweep())

	for _, d := range []string{stagingDir, downloadsDir} {
		entries, err := os.ReadDir(filepath.Join(root, d))
		require.NoError(t, err)
		assert.Empty(t, entries, d)
	}
	assert.NoDirExists(t, m2.VersionDir("stray-000000000000"))
	s, err := m2.State()
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), s.Current)
}

func TestSweepRepairsMissingCurrent(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	f1 := map[string]string{"index.bundle.js": "v1"}
	f2 := map[string]string{"index.bundle.js": "v2"}
	v1, v2 := release(t, "1", f1), release(t, "2", f2)
	install(t, m, "s1", v1, f1)
	install(t, m, "s2", v2, f2)
	require.NoError(t, os.RemoveAll(m.VersionDir(v2.ID())))

	require.NoError(t, m.Sweep())
	s, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), s.Current)
	assert.Empty(t, s.RollbackTarget)
}

func TestPrune(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	f1 := map[string]string{"index.bundle.js": "v1"}
	f2 := map[string]string{"index.bundle.js": "v2"}
	v1, v2 := release(t, "1", f1), release(t, "2", f2)
	install(t, m, "s1", v1, f1)
	install(t, m, "s2", v2, f2)

	_, err = m.Prune(PrunePolicy{DropRollbackTarget: true})
	require.ErrorIs(t, err, errdef.ErrNotStable)

	_, err = m.MarkStable()
	require.NoError(t, err)
	removed, err := m.Prune(PrunePolicy{})
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.DirExists(t, m.VersionDir(v1.ID()))

	removed, err = m.Prune(PrunePolicy{DropRollbackTarget: true})
	require.NoError(t, err)
	assert.Equal(t, []string{v1.ID()}, removed)
	assert.NoDirExists(t, m.VersionDir(v1.ID()))
}

func TestInstallSplit(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1"}
	v1 := release(t, "1", files, "splits/a.js")
	install(t, m, "s1", v1, files)

	dl, err := m.DownloadDir("split")
	require.NoError(t, err)
	src := filepath.Join(dl, "a.js")
	require.NoError(t, os.WriteFile(src, []byte("split"), 0644))
	e, _ := v1.File("splits/a.js")

	dst, err := m.InstallSplit(v1.ID(), e, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.VersionDir(v1.ID()), "splits", "a.js"), dst)

	// the lazy file does not change the recorded digest of the eager files
	s, err := m.State()
	require.NoError(t, err)
	active, _ := s.Active()
	require.NoError(t, m.VerifyVersion(active))

	require.NoError(t, os.WriteFile(src, []byte("split"), 0644))
	_, err = m.InstallSplit("other-version", e, src)
	assert.ErrorIs(t, err, errdef.ErrSuperseded)
	assert.NoFileExists(t, src)
}

func TestVerifyVersionDetectsTampering(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1"}
	v1 := release(t, "1", files)
	install(t, m, "s1", v1, files)
	s, err := m.State()
	require.NoError(t, err)
	active, _ := s.Active()
	require.NoError(t, m.VerifyVersion(active))

	require.NoError(t, os.WriteFile(filepath.Join(active.Dir, "index.bundle.js"), []byte("evil"), 0644))
	err = m.VerifyVersion(active)
	assert.True(t, errors.Is(err, errdef.ErrIntegrity), err)
}

func TestRecordLaunchAndReset(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	files := map[string]string{"index.bundle.js": "v1"}
	v1 := release(t, "1", files)
	install(t, m, "s1", v1, files)

	n, err := m.RecordLaunch()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	abandoned, err := m.Reset()
	require.NoError(t, err)
	assert.Equal(t, v1.ID(), abandoned.ID)
	s, err := m.State()
	require.NoError(t, err)
	assert.Empty(t, s.Current)
	assert.NoDirExists(t, m.VersionDir(v1.ID()))
}
