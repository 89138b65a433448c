package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
)

func (s *Server) pullRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	analysis, err := s.engine.AnalyzePR(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, analysis)
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	files, err := s.engine.Files(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, files)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	// Unknown ids answer 404 rather than an empty history.
	_, err := s.engine.Store().PullRequest(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	changes, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, changes)
}

func (s *Server) fresh(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	freshness, err := s.engine.Fresh(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, freshness)
}

func (s *Server) snapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, codeBadRequest, "path is required")

		return
	}

	entries, err := s.engine.SnapshotHistory(r.Context(), id, path)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, mapSnapshots(entries))
}

func (s *Server) computeReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	result, err := s.engine.ComputeReport(r.Context(), id, parseStatuses(r.URL.Query()["statuses"]))
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	delivery, err := githubsync.ParseWebhook(r)

	switch {
	case errors.Is(err, githubsync.ErrIgnored):
		s.logger.DebugContext(r.Context(), "webhook ignored", "reason", err)
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})

		return
	case err != nil:
		s.handleError(w, r, err)

		return
	}

	pr, err := s.engine.HandleDelivery(r.Context(), delivery)
	if err != nil {
		s.handleError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, pr)
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid id %q", raw))

		return 0, false
	}

	return id, true
}

// parseStatuses accepts both repeated and comma-separated statuses parameters.
func parseStatuses(values []string) []string {
	var out []string

	for _, v := range values {
		for _, status := range strings.Split(v, ",") {
			status = strings.TrimSpace(status)
			if status != "" {
				out = append(out, status)
			}
		}
	}

	return out
}
