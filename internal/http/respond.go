package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/errs"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized
	}
	switch errs.KindOf(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.InvalidTransition, errs.AlreadyAssigned:
		return http.StatusConflict
	case errs.Validation:
		return http.StatusUnprocessableEntity
	case errs.StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: errs.KindOf(err).String(), RequestID: requestIDFromContext(r.Context())}
	switch {
	case status == http.StatusUnauthorized:
		body.Kind = "unauthorized"
		body.Error = "invalid or missing token"
	case status >= 500:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", body.RequestID)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.Validation, "http.decode", fmt.Errorf("invalid request body: %w", err))
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return errs.E(errs.Validation, "http.decode", "request body must be a single JSON object")
	}
	return nil
}
