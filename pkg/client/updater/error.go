package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/unbasical/airborne/pkg/client/updater/validator"
	"github.com/unbasical/airborne/pkg/errdef"
)

// UpdaterError describes which step of a session failed (kind) and why (cause).
// errors.Is matches both.
type UpdaterError struct {
	cause error
	kind  error
}

func (u UpdaterError) Error() string {
	if u.cause == nil {
		return u.kind.Error()
	}
	return fmt.Sprintf("%s: %s", u.kind.Error(), u.cause.Error())
}

func (u UpdaterError) Unwrap() []error {
	if u.cause == nil {
		return []error{u.kind}
	}
	return []error{u.kind, u.cause}
}

// Kind returns the failed step.
func (u UpdaterError) Kind() error {
	return u.kind
}

func NewUpdaterError(kind error, cause error) error {
	return UpdaterError{
		cause: cause,
		kind:  kind,
	}
}

var (
	ErrTargetImageNotFound = fmt.Errorf("failed to resolve release")
	ErrFetchFailed         = fmt.Errorf("failed to fetch release files")
	ErrFailedChecks        = fmt.Errorf("failed checks")
	ErrFailedToApplyUpdate = fmt.Errorf("failed to apply update")
	ErrFailedHealthChecks  = fmt.Errorf("failed health checks")
	ErrRollbackFailed      = fmt.Errorf("failed to roll back")
	ErrClosed              = fmt.Errorf("client is closed")
)

// Error codes reported in event payloads.
const (
	codeNetwork      = "network_error"
	codeIntegrity    = "integrity_error"
	codeStorage      = "storage_error"
	codeIncompatible = "incompatible_client"
	codeInvalid      = "invalid_manifest"
	codeCancelled    = "cancelled"
	codeTimeout      = "timeout"
	codeLimit        = "limit_exceeded"
	codeHealthCheck  = "health_check_failed"
	codeUnknown      = "unknown"
)

// errorCode classifies err for telemetry.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errdef.ErrCancelled):
		return codeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return codeTimeout
	case errors.Is(err, errdef.ErrIntegrity):
		return codeIntegrity
	case errors.Is(err, errdef.ErrNetwork):
		return codeNetwork
	case errors.Is(err, errdef.ErrStorage):
		return codeStorage
	case errors.Is(err, errdef.ErrIncompatibleClient):
		return codeIncompatible
	case errors.Is(err, errdef.ErrInvalidManifest):
		return codeInvalid
	case errors.Is(err, validator.ErrLimitExceeded):
		return codeLimit
	case errors.Is(err, ErrFailedHealthChecks):
		return codeHealthCheck
	default:
		return codeUnknown
	}
}
