package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// badRequest marks caller mistakes found before reaching a service
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP status codes. Internal errors
// are logged and their text withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: code}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		body.Description = err.Error()
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrTombstoned):
		return http.StatusGone, "tombstoned"
	case errors.Is(err, model.ErrImmutabilityViolation), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrJobQueued):
		return http.StatusConflict, "already_queued"
	case errors.Is(err, model.ErrConflictUnresolved):
		return http.StatusConflict, "conflict_unresolved"
	case errors.Is(err, model.ErrExternalServiceTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// answerStatus picks the HTTP status of an answer; the body is the answer
// either way
func answerStatus(a *model.Answer) int {
	switch a.RefusalReason {
	case model.RefusalNone:
		return http.StatusOK
	case model.RefusalNoRule:
		return http.StatusNotFound
	case model.RefusalConflictUnresolved:
		return http.StatusConflict
	case model.RefusalGraphInconsistent:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}
