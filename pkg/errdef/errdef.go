// Package errdef defines the error kinds shared by every part of the update engine.
// Callers classify failures with errors.Is against these sentinels.
package errdef

import "errors"

var (
	// ErrNetwork marks transport failures. They are retryable.
	ErrNetwork = errors.New("network error")
	// ErrIntegrity marks content that does not match its declared checksum.
	ErrIntegrity = errors.New("integrity error")
	// ErrIncompatibleClient is returned when a release requires a newer app version.
	ErrIncompatibleClient = errors.New("incompatible client")
	// ErrStorage marks local I/O failures.
	ErrStorage = errors.New("storage error")
	// ErrNoRollbackTarget is returned when there is no retained version to roll back to.
	ErrNoRollbackTarget = errors.New("no rollback target")
	// ErrFileNotFound is returned when a file is neither in the active bundle nor the base bundle.
	ErrFileNotFound = errors.New("file not found")

	ErrNoUpdateAvailable = errors.New("no update available")
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrCancelled         = errors.New("update cancelled")
	ErrNotCancellable    = errors.New("update is not cancellable in its current state")
	ErrSuperseded        = errors.New("bundle version was superseded")
	ErrNotStable         = errors.New("active version has not been marked stable")
	ErrBundledAssetsOnly = errors.New("network disabled in bundled assets mode")
)
