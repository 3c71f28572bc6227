package statemanager

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
)

// Manager is a generic wrapper around a state object T which is serialized to the storage as JSON.
// It provides ways to safely mutate the state, backed by file locks.
// Writes replace the file through a rename, readers never observe a partially written record.
type Manager[T any] struct {
	mu    sync.Mutex
	state T
	path  string
}

// New initializes a state manager with the provided state and overwrites existing state.
func New[T any](initialState T, p string) (*Manager[T], error) {
	m := &Manager[T]{
		state: initialState,
		path:  p,
	}
	err := m.Commit()
	if err != nil {
		log.WithError(err).Debug("failed to initialize state")
		return nil, err
	}
	return m, nil
}

// NewFromDisk initializes a state manager with the state that is exists on disk,
// if nothing is found on the disk it uses the provided default.
func NewFromDisk[T any](defaultState T, path string) (*Manager[T], error) {
	m := &Manager[T]{
		state: defaultState,
		path:  path,
	}
	_, err := m.Load()
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the location of the state file.
func (m *Manager[T]) Path() string {
	return m.path
}

func (m *Manager[T]) lock() *flock.Flock {
	return flock.New(m.path + ".lock")
}

// Commit acquires an exclusive lock, then atomically writes the current state to the file.
func (m *Manager[T]) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileLock := m.lock()
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	return fileutils.AtomicWriteJSON(m.path, m.state)
}

// Load acquires a shared lock, then reads and decodes the state from the file.
// The returned pointer aliases the in-memory state and must not be retained across mutations.
func (m *Manager[T]) Load() (*T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileLock := m.lock()
	if err := fileLock.RLock(); err != nil {
		return nil, err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	if err := m.read(); err != nil {
		return nil, err
	}
	return &m.state, nil
}

// ModifyState acquires an exclusive lock, loads the current state.
// It then calls the callback function on the state to modify it before writing back to disk.
// If the callback fails, neither the file nor the in-memory state change.
func (m *Manager[T]) ModifyState(cb func(*T) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileLock := m.lock()
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	if err := m.read(); err != nil {
		return err
	}
	// work on a deep copy so a failed callback cannot leave half applied changes behind
	working, err := clone(m.state)
	if err != nil {
		return err
	}
	if err = cb(&working); err != nil {
		return err
	}
	if err = fileutils.AtomicWriteJSON(m.path, working); err != nil {
		return err
	}
	m.state = working
	return nil
}

// read refreshes the in-memory state from disk, keeping it if the file is missing or unreadable.
func (m *Manager[T]) read() error {
	fp, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		_ = fp.Close()
	}()
	var decoded T
	err = json.NewDecoder(fp).Decode(&decoded)
	if err != nil {
		var syntaxError *json.SyntaxError
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &syntaxError) {
			log.WithError(err).Warnf("ignoring unreadable state file %q", m.path)
			return nil
		}
		return err
	}
	m.state = decoded
	return nil
}

func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
