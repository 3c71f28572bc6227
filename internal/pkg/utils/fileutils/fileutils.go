package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/unbasical/airborne/internal/pkg/utils/writerutils"
)

// SafeReadYAML reads the YAML file at the path into the targetPointer.
// Returns true if the file exists or an error if an error occurred.
func SafeReadYAML(filePath string, targetPointer any, perm os.FileMode) (yamlAvailable bool, err error) {
	fileBytes, err := SafeReadFile(filePath, perm)
	if err != nil {
		return false, fmt.Errorf("unable to open file: %s, %w", filePath, err)
	}

	if len(fileBytes) == 0 {
		return false, nil
	}
	return true, yaml.Unmarshal(fileBytes, targetPointer)
}

// SafeReadFile reads the file at the provided path into a byte slice.
func SafeReadFile(filePath string, perm os.FileMode) ([]byte, error) {
	file, err := os.OpenFile(filePath, os.O_RDONLY, perm)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %s, %w", filePath, err)
	}

	bytes, readErr := io.ReadAll(file)
	if err = file.Close(); err != nil {
		logrus.Errorf("Failed to close file: %s", filePath)
	}
	return bytes, readErr
}

// AtomicWriteJSON replaces the file at filePath with the JSON encoding of v.
// The data is written to a sibling temp file, synced, renamed over the target and the parent
// directory is synced, so readers observe either the old or the new content.
func AtomicWriteJSON(filePath string, v any) error {
	dir := filepath.Dir(filePath)
	fp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := fp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()
	w := writerutils.NewSafeFileWriter(fp)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}
	return SyncDir(dir)
}

// SyncDir flushes directory metadata such as renames to the disk.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return errors.Join(d.Sync(), d.Close())
}

// SyncTree fsyncs every regular file below root and the directories themselves.
func SyncTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return SyncDir(p)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fp, err := os.Open(p)
		if err != nil {
			return err
		}
		return errors.Join(fp.Sync(), fp.Close())
	})
}

// CopyFile copies src to dst through a synced writer. dst is created or truncated.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := writerutils.NewSafeFileWriter(out)
	if _, err = io.Copy(w, in); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// LinkOrCopy hard links src to dst and falls back to copying when linking is not possible,
// e.g. across devices.
func LinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	} else {
		logrus.WithError(err).Debugf("hard link %q -> %q failed, copying", src, dst)
	}
	return CopyFile(src, dst)
}

// ExistsAndIsDirectory reports whether path exists and whether it is a directory.
func ExistsAndIsDirectory(path string) (exists, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// IsRegularFile reports whether p exists and is a regular file.
func IsRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// CleanDirectory removes all files and subdirectories within dirPath,
// leaving the directory itself intact.
func CleanDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := filepath.Join(dirPath, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			return err
		}
	}
	return nil
}
