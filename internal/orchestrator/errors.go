package orchestrator

import (
	"errors"
	"net/http"
	"time"
)

// InferenceFailure reports a runtime error during generation. The message is
// safe to return to clients; Err keeps the cause for logs.
type InferenceFailure struct {
	Task string
	Err  error
}

func (e *InferenceFailure) Error() string   { return "inference failed for task " + e.Task }
func (e *InferenceFailure) Unwrap() error   { return e.Err }
func (e *InferenceFailure) StatusCode() int { return http.StatusBadGateway }

// InferenceTimeout reports a generation that hit the configured ceiling.
type InferenceTimeout struct {
	Task  string
	After time.Duration
}

func (e *InferenceTimeout) Error() string {
	return "inference for task " + e.Task + " timed out after " + e.After.String()
}
func (e *InferenceTimeout) StatusCode() int { return http.StatusGatewayTimeout }

// PostprocessingFailure reports model output the task parser rejected. Raw
// is the unparsed text.
type PostprocessingFailure struct {
	Task string
	Raw  string
	Err  error
}

func (e *PostprocessingFailure) Error() string {
	msg := "could not parse " + e.Task + " output"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *PostprocessingFailure) Unwrap() error   { return e.Err }
func (e *PostprocessingFailure) StatusCode() int { return http.StatusUnprocessableEntity }

func IsInferenceFailure(err error) bool {
	var e *InferenceFailure
	return errors.As(err, &e)
}

func IsInferenceTimeout(err error) bool {
	var e *InferenceTimeout
	return errors.As(err, &e)
}

func IsPostprocessingFailure(err error) bool {
	var e *PostprocessingFailure
	return errors.As(err, &e)
}
