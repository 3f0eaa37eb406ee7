package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// listResponse is the envelope for paginated listings.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := intel.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case intel.KindValidation:
		status = http.StatusBadRequest
	case intel.KindNotFound:
		status = http.StatusNotFound
	case intel.KindConflict, intel.KindLeaseLost:
		status = http.StatusConflict
	case intel.KindTransient:
		status = http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		kind = intel.KindInternal
	}
	s.writeJSON(w, status, errorBody{Error: string(kind), Detail: detail})
}

func (s *Server) badRequest(w http.ResponseWriter, detail string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: string(intel.KindValidation), Detail: detail})
}

// decode reads a JSON body into dst. Unknown fields are rejected.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return intel.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func parsePage(r *http.Request) (skip, limit int, err error) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		val, convErr := strconv.Atoi(raw)
		if convErr != nil || val <= 0 {
			return 0, 0, intel.Validationf("invalid limit")
		}
		limit = min(val, maxPageLimit)
	}
	if raw := q.Get("skip"); raw != "" {
		val, convErr := strconv.Atoi(raw)
		if convErr != nil || val < 0 {
			return 0, 0, intel.Validationf("invalid skip")
		}
		skip = val
	}
	return skip, limit, nil
}

func parseOptionalInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, intel.Validationf("invalid %s", name)
	}
	return val, nil
}
