package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/obslog"
)

var (
	errMethod        = &domain.Error{Kind: "method", Code: "request.method", Message: "method not allowed"}
	errNotFoundRoute = domain.NotFound("request.not_found", "not found")
	errBadJSON       = domain.Validation("request.bad_json", "invalid json body")
)

type errorBody struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	var de *domain.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Kind {
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case "method":
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"ok":false,"message":...} with the catalogue
// text for its code. Internal causes are logged, never echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code, fallback := "server.error", "Erreur serveur."
	var de *domain.Error
	if errors.As(err, &de) && status != http.StatusInternalServerError {
		code, fallback = de.Code, de.Error()
		if de.Kind == domain.KindRateLimited && de.RetryAfter > 0 {
			secs := int((de.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if status >= http.StatusInternalServerError {
		obslog.L().Error("http_error",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{OK: false, Message: s.Catalog.Text(code, fallback)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errBadJSON
	}
	return nil
}
