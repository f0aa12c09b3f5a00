package media

import (
	"errors"
	"net/http"
)

// RefError reports an attachment reference that cannot be staged: missing
// file, unsupported scheme, oversized object.
type RefError struct {
	Field  string
	Ref    string
	Reason string
	// Err is set when the reason has a sentinel cause such as
	// fsutil.ErrTooLarge.
	Err error
}

func (e *RefError) Error() string   { return e.Field + " " + e.Ref + ": " + e.Reason }
func (e *RefError) Unwrap() error   { return e.Err }
func (e *RefError) StatusCode() int { return http.StatusBadRequest }

// FetchError wraps a transport failure while downloading a remote attachment.
type FetchError struct {
	Ref string
	Err error
}

func (e *FetchError) Error() string   { return "fetch " + e.Ref + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error   { return e.Err }
func (e *FetchError) StatusCode() int { return http.StatusBadGateway }

// IsRefError reports whether err is a bad attachment reference.
func IsRefError(err error) bool {
	var e *RefError
	return errors.As(err, &e)
}
