// Package storage owns the on-disk layout of installed bundles.
//
// Layout below the root directory:
//
//	state.json           record of installed versions, names the current one
//	state.json.lock      lock of the record
//	writer.lock          serializes mutations across processes
//	versions/<id>/       promoted bundle versions
//	staging/<session>/   files of an update session before promotion
//	downloads/<session>/ downloader scratch space
//
// Every mutation runs under the writer lock. Staging and download directories are never durable,
// Sweep removes them on startup.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/sumdb/dirhash"

	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/pkg/client/updater/statemanager"
	"github.com/unbasical/airborne/pkg/client/updater/updaterstate"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

const (
	stateFileName  = "state.json"
	writerLockName = "writer.lock"
	versionsDir    = "versions"
	stagingDir     = "staging"
	downloadsDir   = "downloads"
)

// PrunePolicy controls what Prune removes besides unreferenced versions.
type PrunePolicy struct {
	DropRollbackTarget bool
}

// Manager is the only component that mutates the bundle directories.
type Manager struct {
	root   string
	mu     sync.Mutex
	writer *flock.Flock
	state  *statemanager.Manager[updaterstate.State]
}

// New prepares the layout below root and loads the record.
func New(root string) (*Manager, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	for _, d := range []string{root, filepath.Join(root, versionsDir), filepath.Join(root, stagingDir), filepath.Join(root, downloadsDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
	}
	sm, err := statemanager.NewFromDisk(updaterstate.NewState(), filepath.Join(root, stateFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: loading state: %w", errdef.ErrStorage, err)
	}
	return &Manager{
		root:   root,
		writer: flock.New(filepath.Join(root, writerLockName)),
		state:  sm,
	}, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string {
	return m.root
}

// VersionDir returns the directory of a promoted version.
func (m *Manager) VersionDir(id string) string {
	return filepath.Join(m.root, versionsDir, id)
}

func (m *Manager) stagingDir(session string) string {
	return filepath.Join(m.root, stagingDir, session)
}

// DownloadDir creates and returns the scratch directory of a session.
func (m *Manager) DownloadDir(session string) (string, error) {
	d := filepath.Join(m.root, downloadsDir, session)
	if err := os.MkdirAll(d, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	return d, nil
}

// State returns the persisted record. The returned value must be treated as read only.
func (m *Manager) State() (updaterstate.State, error) {
	s, err := m.state.Load()
	if err != nil {
		return updaterstate.State{}, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	return *s, nil
}

func (m *Manager) withWriter(f func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writer.Lock(); err != nil {
		return fmt.Errorf("%w: acquiring writer lock: %w", errdef.ErrStorage, err)
	}
	defer func() {
		if err := m.writer.Unlock(); err != nil {
			log.WithError(err).Warn("failed to release writer lock")
		}
	}()
	return f()
}

func (m *Manager) modify(cb func(*updaterstate.State) error) error {
	err := m.state.ModifyState(func(s *updaterstate.State) error {
		if s.Versions == nil {
			*s = updaterstate.NewState()
		}
		return cb(s)
	})
	if err != nil && !errors.Is(err, errdef.ErrNoRollbackTarget) && !errors.Is(err, errdef.ErrNotStable) {
		return fmt.Errorf("%w: committing state: %w", errdef.ErrStorage, err)
	}
	return err
}

// Stage moves a verified file into the staging directory of the session.
func (m *Manager) Stage(session string, entry manifest.FileEntry, src string) (string, error) {
	dst := filepath.Join(m.stagingDir(session), filepath.FromSlash(entry.Path))
	err := m.withWriter(func() error {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		return os.Rename(src, dst)
	})
	if err != nil {
		return "", fmt.Errorf("%w: staging %q: %w", errdef.ErrStorage, entry.Path, err)
	}
	return dst, nil
}

// StageReuse places an unchanged file of an installed version into the staging directory of the session.
func (m *Manager) StageReuse(session string, entry manifest.FileEntry, from updaterstate.BundleVersion) (string, error) {
	src := filepath.Join(from.Dir, filepath.FromSlash(entry.Path))
	dst := filepath.Join(m.stagingDir(session), filepath.FromSlash(entry.Path))
	err := m.withWriter(func() error {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		return fileutils.LinkOrCopy(src, dst)
	})
	if err != nil {
		return "", fmt.Errorf("%w: reusing %q from %s: %w", errdef.ErrStorage, entry.Path, from.ID, err)
	}
	return dst, nil
}

// Promote turns the staging directory of the session into the active version.
// The previously active version becomes the rollback target, all other versions are removed.
// If the record cannot be committed the previous version stays active.
func (m *Manager) Promote(session string, mf *manifest.ReleaseManifest) (updaterstate.BundleVersion, error) {
	var promoted updaterstate.BundleVersion
	err := m.withWriter(func() error {
		staged := m.stagingDir(session)
		if exists, isDir, err := fileutils.ExistsAndIsDirectory(staged); err != nil || !exists || !isDir {
			return fmt.Errorf("%w: nothing staged for session %s", errdef.ErrStorage, session)
		}
		if err := fileutils.SyncTree(staged); err != nil {
			return fmt.Errorf("%w: syncing staged files: %w", errdef.ErrStorage, err)
		}
		h, err := DirectoryDigest(staged, mf)
		if err != nil {
			return fmt.Errorf("%w: hashing staged files: %w", errdef.ErrStorage, err)
		}
		id := mf.ID()
		s, err := m.state.Load()
		if err != nil {
			return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
		if active, ok := s.Active(); ok && active.ID == id {
			// already installed, the active directory must not be replaced underneath the host
			m.removeSession(session)
			promoted = active
			return nil
		}
		dst := m.VersionDir(id)
		if err := fileutils.ReplaceDirectory(staged, dst); err != nil {
			return fmt.Errorf("%w: promoting %s: %w", errdef.ErrStorage, id, err)
		}
		promoted = updaterstate.BundleVersion{
			ID:              id,
			Manifest:        mf,
			Dir:             dst,
			State:           updaterstate.Verified,
			PromotedAt:      time.Now().UTC(),
			DirectoryDigest: h,
		}
		var dropped []updaterstate.BundleVersion
		err = m.modify(func(s *updaterstate.State) error {
			dropped = s.Promote(promoted)
			return nil
		})
		if err != nil {
			_ = os.RemoveAll(dst)
			return err
		}
		promoted.State = updaterstate.Active
		m.removeVersions(dropped, id)
		m.removeSession(session)
		return nil
	})
	if err != nil {
		return updaterstate.BundleVersion{}, err
	}
	log.Infof("promoted bundle version %s", promoted.ID)
	return promoted, nil
}

// Rollback restores the rollback target and removes the abandoned version.
// It returns errdef.ErrNoRollbackTarget if there is nothing to return to.
func (m *Manager) Rollback() (abandoned, restored updaterstate.BundleVersion, err error) {
	err = m.withWriter(func() error {
		return m.modify(func(s *updaterstate.State) error {
			var rbErr error
			abandoned, restored, rbErr = s.Rollback()
			return rbErr
		})
	})
	if err != nil {
		return updaterstate.BundleVersion{}, updaterstate.BundleVersion{}, err
	}
	m.removeDir(abandoned.Dir)
	log.Infof("rolled back from %s to %s", abandoned.ID, restored.ID)
	return abandoned, restored, nil
}

// Reset abandons the active version without a rollback target, the host continues on its base bundle.
func (m *Manager) Reset() (updaterstate.BundleVersion, error) {
	var abandoned updaterstate.BundleVersion
	var found bool
	err := m.withWriter(func() error {
		return m.modify(func(s *updaterstate.State) error {
			abandoned, found = s.Reset()
			return nil
		})
	})
	if err != nil {
		return updaterstate.BundleVersion{}, err
	}
	if found {
		m.removeDir(abandoned.Dir)
	}
	return abandoned, nil
}

// MarkStable flags the active version as stable.
func (m *Manager) MarkStable() (updaterstate.BundleVersion, error) {
	var v updaterstate.BundleVersion
	err := m.withWriter(func() error {
		return m.modify(func(s *updaterstate.State) error {
			if err := s.MarkStable(); err != nil {
				return err
			}
			v, _ = s.Active()
			return nil
		})
	})
	return v, err
}

// RecordLaunch counts a launch of an unstable active version and returns the count.
func (m *Manager) RecordLaunch() (int, error) {
	var n int
	err := m.withWriter(func() error {
		return m.modify(func(s *updaterstate.State) error {
			n = s.RecordLaunch()
			return nil
		})
	})
	return n, err
}

// MarkFailed remembers a release id that must not be installed again.
func (m *Manager) MarkFailed(id string) error {
	return m.withWriter(func() error {
		return m.modify(func(s *updaterstate.State) error {
			s.MarkFailed(id)
			return nil
		})
	})
}

// Prune removes versions that are no longer needed. The active version must be stable.
func (m *Manager) Prune(policy PrunePolicy) ([]string, error) {
	var removed []string
	err := m.withWriter(func() error {
		var dropped []updaterstate.BundleVersion
		err := m.modify(func(s *updaterstate.State) error {
			var pErr error
			dropped, pErr = s.Prune(policy.DropRollbackTarget)
			return pErr
		})
		if err != nil {
			return err
		}
		for _, v := range dropped {
			removed = append(removed, v.ID)
		}
		m.removeVersions(dropped, "")
		orphans, err := m.removeOrphans()
		removed = append(removed, orphans...)
		return err
	})
	return removed, err
}

// Discard removes everything a session left behind.
func (m *Manager) Discard(session string) {
	_ = m.withWriter(func() error {
		m.removeSession(session)
		return nil
	})
}

// Sweep is the startup recovery. It removes staging and download leftovers, repairs a record whose
// directories went missing and deletes version directories the record does not know about.
func (m *Manager) Sweep() error {
	return m.withWriter(func() error {
		for _, d := range []string{stagingDir, downloadsDir} {
			if err := fileutils.CleanDirectory(filepath.Join(m.root, d)); err != nil {
				return fmt.Errorf("%w: sweeping %s: %w", errdef.ErrStorage, d, err)
			}
		}
		err := m.modify(func(s *updaterstate.State) error {
			if s.Repair(func(v updaterstate.BundleVersion) bool {
				_, isDir, _ := fileutils.ExistsAndIsDirectory(v.Dir)
				return isDir
			}) {
				log.Warn("repaired bundle state record")
			}
			return nil
		})
		if err != nil {
			return err
		}
		_, err = m.removeOrphans()
		return err
	})
}

// InstallSplit moves a verified lazy file into the directory of a promoted version.
// If versionID is no longer the active version, src is removed and errdef.ErrSuperseded is returned.
func (m *Manager) InstallSplit(versionID string, entry manifest.FileEntry, src string) (string, error) {
	var dst string
	err := m.withWriter(func() error {
		s, err := m.state.Load()
		if err != nil {
			return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
		active, ok := s.Active()
		if !ok || active.ID != versionID {
			_ = os.Remove(src)
			return fmt.Errorf("%w: version %s is no longer active", errdef.ErrSuperseded, versionID)
		}
		dst = filepath.Join(active.Dir, filepath.FromSlash(entry.Path))
		if err := fileutils.ReplaceFile(src, dst); err != nil {
			return fmt.Errorf("%w: installing %q: %w", errdef.ErrStorage, entry.Path, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// VerifyVersion recomputes the digest of the eager files of v and compares it to the recorded one.
func (m *Manager) VerifyVersion(v updaterstate.BundleVersion) error {
	if v.DirectoryDigest == "" {
		return nil
	}
	h, err := DirectoryDigest(v.Dir, v.Manifest)
	if err != nil {
		return fmt.Errorf("%w: hashing %s: %w", errdef.ErrIntegrity, v.ID, err)
	}
	if h != v.DirectoryDigest {
		return fmt.Errorf("%w: content of %s changed (%s != %s)", errdef.ErrIntegrity, v.ID, h, v.DirectoryDigest)
	}
	return nil
}

// Close releases the lock file handle.
func (m *Manager) Close() error {
	return m.writer.Close()
}

// DirectoryDigest hashes the eager files of mf below dir with dirhash.Hash1.
func DirectoryDigest(dir string, mf *manifest.ReleaseManifest) (string, error) {
	if mf == nil {
		return "", errors.New("no manifest")
	}
	files := make([]string, 0, len(mf.Files))
	for _, e := range mf.EagerFiles() {
		files = append(files, e.Path)
	}
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	})
}

func (m *Manager) removeOrphans() ([]string, error) {
	s, err := m.state.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	entries, err := os.ReadDir(filepath.Join(m.root, versionsDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	var removed []string
	for _, e := range entries {
		if s.Referenced(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m.removeDir(filepath.Join(m.root, versionsDir, e.Name()))
		removed = append(removed, e.Name())
	}
	return removed, nil
}

func (m *Manager) removeVersions(vs []updaterstate.BundleVersion, keep string) {
	for _, v := range vs {
		if v.ID == keep {
			continue
		}
		m.removeDir(m.VersionDir(v.ID))
	}
}

func (m *Manager) removeSession(session string) {
	m.removeDir(m.stagingDir(session))
	m.removeDir(filepath.Join(m.root, downloadsDir, session))
}

func (m *Manager) removeDir(d string) {
	if d == "" {
		return
	}
	if err := os.RemoveAll(d); err != nil {
		log.WithError(err).Warnf("failed to remove %q", d)
	}
}
