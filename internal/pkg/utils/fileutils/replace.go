package fileutils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// replaceLock returns a process-wide lock for target. The lock file lives in the temp dir
// so directories that are scanned for versions stay free of lock files.
func replaceLock(target string) *flock.Flock {
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(target)))
	return flock.New(filepath.Join(os.TempDir(), "airborne_replace_"+hex.EncodeToString(sum[:8])))
}

// renameLocked moves src to dst while holding the lock of dst and syncs the parent of dst.
// prepare runs under the lock before the rename.
func renameLocked(src, dst string, prepare func() error) error {
	l := replaceLock(dst)
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = l.Unlock()
	}()
	if err := prepare(); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(dst))
}

// ReplaceFile moves the file src to dst, creating the parents of dst as needed.
func ReplaceFile(src, dst string) error {
	return renameLocked(src, dst, func() error {
		return os.MkdirAll(filepath.Dir(dst), 0755)
	})
}

// ReplaceDirectory moves the directory src to dst, removing whatever was at dst before.
func ReplaceDirectory(src, dst string) error {
	return renameLocked(src, dst, func() error {
		_, err := os.Lstat(dst)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		log.Debugf("replacing %q", dst)
		return os.RemoveAll(dst)
	})
}
