package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
	"github.com/Sumatoshi-tech/linetrace/pkg/report"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// Error codes of the JSON error body.
const (
	codeBadRequest    = "BAD_REQUEST"
	codeNotFound      = "NOT_FOUND"
	codeInvalidReport = "INVALID_REPORT"
	codeConflict      = "LIFECYCLE_CONFLICT"
	codeUnavailable   = "UNAVAILABLE"
	codeTimeout       = "TIMEOUT"
	codeInternal      = "INTERNAL"
)

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type snapshotPayload struct {
	ID        string              `json:"id"`
	HeadSHA   string              `json:"headSha"`
	CreatedAt time.Time           `json:"createdAt"`
	Detail    domain.PRFileDetail `json:"detail"`
}

func mapSnapshots(entries []*snapshot.Entry) []snapshotPayload {
	out := make([]snapshotPayload, 0, len(entries))

	for _, e := range entries {
		out = append(out, snapshotPayload{
			ID:        e.ID,
			HeadSHA:   e.Key.HeadSHA,
			CreatedAt: e.CreatedAt,
			Detail:    e.Detail,
		})
	}

	return out
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		Error: errorPayload{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, report.ErrInvalidReport):
		respondError(w, http.StatusBadRequest, codeInvalidReport, err.Error())
	case errors.Is(err, githubsync.ErrMalformed), errors.Is(err, pullrequest.ErrUnknownChange):
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, pullrequest.ErrOutOfOrder),
		errors.Is(err, pullrequest.ErrDuplicateOpen),
		errors.Is(err, pullrequest.ErrNotOpened),
		errors.Is(err, pullrequest.ErrInvalidTransition):
		respondError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, engine.ErrNoSource), errors.Is(err, engine.ErrContentUnavailable):
		respondError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, codeTimeout, "request timed out")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
