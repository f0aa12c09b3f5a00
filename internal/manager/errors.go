package manager

import (
	"errors"
	"net/http"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string   { return "too busy: " + e.modelID }
func (e tooBusyError) StatusCode() int { return http.StatusTooManyRequests }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// configurationConflictError is returned when EnsureLoaded is asked for a
// configuration other than the one the handle was built with.
type configurationConflictError struct{ loaded, requested string }

func (e configurationConflictError) Error() string {
	return "model handle already built for " + e.loaded + "; requested " + e.requested
}
func (e configurationConflictError) StatusCode() int { return http.StatusConflict }

// IsConfigurationConflict reports whether err is a configuration conflict (return 409).
func IsConfigurationConflict(err error) bool {
	var e configurationConflictError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing external dependency (llama.cpp,
// an unreachable model server) so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string   { return e.msg }
func (e dependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// ErrStreamClosed is reported by a Stream consumed after Close.
var ErrStreamClosed = errors.New("stream closed")
