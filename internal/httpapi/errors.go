package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/llmerr"
	"inferd/internal/session"
	"inferd/pkg/types"
)

// statusForKind maps the error taxonomy to HTTP status codes.
func statusForKind(kind llmerr.Kind) int {
	switch kind {
	case llmerr.KindModelNotFound:
		return http.StatusNotFound
	case llmerr.KindInvalidParameters:
		return http.StatusBadRequest
	case llmerr.KindNoModelLoaded, llmerr.KindContextCreationFailed:
		return http.StatusConflict
	case llmerr.KindTokenizationFailed:
		return http.StatusUnprocessableEntity
	case llmerr.KindOutOfMemory:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// writeError maps a taxonomy error to its HTTP form. Budget exhaustion also
// feeds the backpressure counter.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrClosed) {
		writeJSONError(w, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	kind := llmerr.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(kind.String())
	}
	kindStr := ""
	if kind != llmerr.KindUnknown {
		kindStr = kind.String()
	}
	writeJSONError(w, status, kindStr, err.Error())
}
