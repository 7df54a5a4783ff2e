package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/hive"
	"github.com/mpieniak01/venom/internal/nexus"
	"github.com/mpieniak01/venom/internal/orchestrator"
)

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("feature not enabled")
)

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 依錯誤種類決定 HTTP 狀態碼
func writeError(w http.ResponseWriter, err error) {
	status, retryable := statusFor(err)
	if status >= http.StatusInternalServerError && !retryable {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Retryable: retryable})
}

func statusFor(err error) (int, bool) {
	var violation *autonomy.ViolationError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, orchestrator.ErrEmptyContent), errors.Is(err, nexus.ErrInvalidNode):
		return http.StatusBadRequest, false
	case errors.As(err, &violation):
		return http.StatusForbidden, false
	case errors.Is(err, orchestrator.ErrTaskNotFound), errors.Is(err, nexus.ErrNodeNotFound),
		errors.Is(err, hive.ErrJobNotFound), errors.Is(err, errUnavailable):
		return http.StatusNotFound, false
	case errors.Is(err, orchestrator.ErrNotResubmittable), errors.Is(err, nexus.ErrNodeExists):
		return http.StatusConflict, false
	case nexus.Retryable(err):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable, false
	default:
		var remote *nexus.RemoteError
		if errors.As(err, &remote) {
			return http.StatusBadGateway, false
		}
		return http.StatusInternalServerError, false
	}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeJSON 拒絕未知欄位
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
