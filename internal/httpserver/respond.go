package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/skygateio/skygate/internal/gwerrors"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope (spec §7): every
// non-2xx response the gateway itself originates has this shape.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// RespondError writes the standard JSON error envelope.
func RespondError(w http.ResponseWriter, status int, kind gwerrors.Kind, detail string) {
	Respond(w, status, ErrorResponse{Error: string(kind), Detail: detail})
}

// RespondGatewayError inspects a *gwerrors.Error and writes the HTTP status
// mandated by spec §7 for its Kind. Upstream client errors are passed
// through verbatim with the upstream's own status code and body.
func RespondGatewayError(w http.ResponseWriter, err error) {
	var ge *gwerrors.Error
	if !errors.As(err, &ge) {
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch ge.Kind {
	case gwerrors.KindUpstreamClientError:
		w.Header().Set("Content-Type", "application/json")
		status := ge.UpstreamStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
		if len(ge.UpstreamBody) > 0 {
			_, _ = w.Write(ge.UpstreamBody)
		}
	case gwerrors.KindQuotaExceeded:
		RespondError(w, http.StatusTooManyRequests, ge.Kind, ge.Detail)
	case gwerrors.KindBreakerOpen, gwerrors.KindStoreUnavailable, gwerrors.KindUpstreamTransientFailure:
		RespondError(w, http.StatusServiceUnavailable, ge.Kind, ge.Detail)
	case gwerrors.KindParameterValidation:
		RespondError(w, http.StatusBadRequest, ge.Kind, ge.Detail)
	default:
		RespondError(w, http.StatusInternalServerError, ge.Kind, ge.Detail)
	}
}

