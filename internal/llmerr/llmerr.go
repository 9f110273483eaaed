// Package llmerr defines the fixed error taxonomy shared by the model,
// cache, engine, and session layers. Each error carries a Kind so the HTTP
// layer can map failures to status codes without string matching.
package llmerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure categories surfaced to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelNotFound
	KindModelLoadFailed
	KindContextCreationFailed
	KindInferenceFailed
	KindInvalidParameters
	KindOutOfMemory
	KindTokenizationFailed
	KindNoModelLoaded
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindModelNotFound:
		return "model_not_found"
	case KindModelLoadFailed:
		return "model_load_failed"
	case KindContextCreationFailed:
		return "context_creation_failed"
	case KindInferenceFailed:
		return "inference_failed"
	case KindInvalidParameters:
		return "invalid_parameters"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindTokenizationFailed:
		return "tokenization_failed"
	case KindNoModelLoaded:
		return "no_model_loaded"
	default:
		return "unknown"
	}
}

// Error is a typed error with a taxonomy kind and optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not a
// taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsModelNotFound reports whether err indicates a missing model file or id.
func IsModelNotFound(err error) bool { return Is(err, KindModelNotFound) }

// IsModelLoadFailed reports whether err indicates a load/parse failure.
func IsModelLoadFailed(err error) bool { return Is(err, KindModelLoadFailed) }

// IsContextCreationFailed reports whether err indicates cache allocation or
// capacity failure.
func IsContextCreationFailed(err error) bool { return Is(err, KindContextCreationFailed) }

// IsInferenceFailed reports whether err indicates a decode-step failure.
func IsInferenceFailed(err error) bool { return Is(err, KindInferenceFailed) }

// IsInvalidParameters reports whether err indicates rejected sampling or
// request parameters.
func IsInvalidParameters(err error) bool { return Is(err, KindInvalidParameters) }

// IsOutOfMemory reports whether err indicates budget exhaustion (429 mapping).
func IsOutOfMemory(err error) bool { return Is(err, KindOutOfMemory) }

// IsTokenizationFailed reports whether err indicates tokenize/detokenize
// failure.
func IsTokenizationFailed(err error) bool { return Is(err, KindTokenizationFailed) }

// IsNoModelLoaded reports whether err indicates an unloaded or stale handle.
func IsNoModelLoaded(err error) bool { return Is(err, KindNoModelLoaded) }
