package apicommon

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is the JSON body of every error response of the release server.
type APIError struct {
	InnerError APIErrorInner `json:"error"`
}

type APIErrorInner struct {
	Code         int    `json:"code"`
	Message      string `json:"message,omitempty"`
	ErrorContext string `json:"context,omitempty"`
}

func (a APIError) Error() string {
	if a.InnerError.ErrorContext == "" {
		return fmt.Sprintf("release server error %d: %s", a.InnerError.Code, a.InnerError.Message)
	}
	return fmt.Sprintf("release server error %d: %s (%s)", a.InnerError.Code, a.InnerError.Message, a.InnerError.ErrorContext)
}

// Is matches target APIErrors field by field, zero fields of the target match anything.
func (a APIError) Is(target error) bool {
	var t APIError
	if !errors.As(target, &t) {
		return false
	}
	in := t.InnerError
	return (in.Code == 0 || in.Code == a.InnerError.Code) &&
		(in.Message == "" || in.Message == a.InnerError.Message) &&
		(in.ErrorContext == "" || in.ErrorContext == a.InnerError.ErrorContext)
}

var (
	ErrNotFound   = APIError{InnerError: APIErrorInner{Code: http.StatusNotFound}}
	ErrBadRequest = APIError{InnerError: APIErrorInner{Code: http.StatusBadRequest}}
)
