package error

import (
	"errors"
)

//nolint:golint,gochecknoglobals // errors.New() is not const
var (
	ErrReleaseNotFound = errors.New("release not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidPath     = errors.New("invalid path")
	ErrMissingParam    = errors.New("missing path parameter")
	ErrInternal        = errors.New("internal")
	ErrBadRequest      = errors.New("bad request")
)
