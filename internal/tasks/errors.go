package tasks

import (
	"errors"
	"net/http"
)

// unknownTaskError is returned by Resolve for an unregistered task id.
type unknownTaskError struct{ id string }

func (e unknownTaskError) Error() string   { return "unknown task: " + e.id }
func (e unknownTaskError) StatusCode() int { return http.StatusNotFound }

// ErrUnknownTask constructs an unknownTaskError.
func ErrUnknownTask(id string) error { return unknownTaskError{id: id} }

// IsUnknownTask reports whether err indicates an unregistered task id (return 404).
func IsUnknownTask(err error) bool {
	var e unknownTaskError
	return errors.As(err, &e)
}

// duplicateTaskError signals a registry misconfiguration; fatal at startup.
type duplicateTaskError struct{ id string }

func (e duplicateTaskError) Error() string { return "task already registered: " + e.id }

func IsDuplicateTask(err error) bool {
	var e duplicateTaskError
	return errors.As(err, &e)
}

// InputError reports a request the handler cannot turn into a prompt.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string   { return e.Field + ": " + e.Reason }
func (e *InputError) StatusCode() int { return http.StatusBadRequest }

// ParseError reports model output that does not follow the task grammar.
type ParseError struct {
	Task   string
	Reason string
}

func (e *ParseError) Error() string { return e.Task + ": " + e.Reason }

// IsParseError reports whether err came from a handler's output parser.
func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}
