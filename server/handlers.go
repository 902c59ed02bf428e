package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"lbc_ingest/models"
	"lbc_ingest/runs"
	"lbc_ingest/storage"
	"lbc_ingest/token"
)

type apiResponse struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondData(c echo.Context, status int, data any) error {
	return c.JSON(status, apiResponse{Data: data})
}

func respondError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, apiResponse{Error: &apiError{Code: code, Message: message}})
}

func (s *Server) listSettings(c echo.Context) error {
	list, err := s.store.ListSettings(c.Request().Context())
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, list)
}

// updateSettings upserts the given keys. A null value clears the key
// back to its built-in default.
func (s *Server) updateSettings(c echo.Context) error {
	var values map[string]*string
	if err := c.Bind(&values); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_body", "expected a JSON object of setting values")
	}
	if len(values) == 0 {
		return respondError(c, http.StatusBadRequest, "invalid_body", "no settings given")
	}

	ctx := c.Request().Context()
	for key, value := range values {
		if err := s.store.SetSetting(ctx, key, value); err != nil {
			return respondError(c, http.StatusInternalServerError, "storage_error", fmt.Sprintf("set %s: %v", key, err))
		}
	}

	list, err := s.store.ListSettings(ctx)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, list)
}

func (s *Server) listRuns(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		}
		limit = parsed
	}

	list, err := s.runs.List(c.Request().Context(), limit)
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, list)
}

func (s *Server) startRun(c echo.Context) error {
	id, err := s.starter.ExecuteAsync(c.Request().Context())
	switch {
	case err == nil:
		return respondData(c, http.StatusAccepted, map[string]string{"id": id.String()})
	case errors.Is(err, runs.ErrConflict):
		return respondError(c, http.StatusConflict, "run_conflict", "an ingestion run is already active")
	default:
		return respondError(c, http.StatusInternalServerError, "start_failed", err.Error())
	}
}

func (s *Server) getRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_id", "run id must be a UUID")
	}

	run, err := s.runs.Get(c.Request().Context(), id)
	switch {
	case errors.Is(err, runs.ErrNotFound):
		return respondError(c, http.StatusNotFound, "not_found", "no such run")
	case err != nil:
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, run)
}

func (s *Server) abortRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_id", "run id must be a UUID")
	}

	err = s.runs.Abort(c.Request().Context(), id)
	switch {
	case err == nil:
		return respondData(c, http.StatusOK, map[string]string{"status": string(models.RunStatusAborted)})
	case errors.Is(err, runs.ErrNotFound):
		return respondError(c, http.StatusNotFound, "not_found", "no such run")
	case errors.Is(err, runs.ErrTerminal):
		return respondError(c, http.StatusConflict, "already_finished", "run already reached a terminal state")
	case errors.Is(err, runs.ErrNotActive):
		return respondError(c, http.StatusConflict, "not_active", "run never became active")
	default:
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
}

// runLogs renders the raw log as plain text, with a status header and,
// once the run is over, a closing line. The same URL reads coherently
// before, during and after the run.
func (s *Server) runLogs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_id", "run id must be a UUID")
	}

	run, err := s.runs.Get(c.Request().Context(), id)
	switch {
	case errors.Is(err, runs.ErrNotFound):
		return respondError(c, http.StatusNotFound, "not_found", "no such run")
	case err != nil:
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}

	const timeLayout = "2006-01-02 15:04:05 MST"

	var b strings.Builder
	fmt.Fprintf(&b, "run %s  status=%s  progress=%.0f%%\n", run.ID, run.Status, run.Progress*100)
	fmt.Fprintf(&b, "started %s", run.StartedAt.Format(timeLayout))
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "  finished %s", run.FinishedAt.Format(timeLayout))
	}
	b.WriteString("\n")
	if run.CurrentStep != "" || run.CurrentMessage != "" {
		fmt.Fprintf(&b, "step %s: %s\n", run.CurrentStep, run.CurrentMessage)
	}
	b.WriteString(strings.Repeat("-", 40) + "\n")
	if run.RawLog == "" {
		b.WriteString("(no output yet)\n")
	} else {
		b.WriteString(run.RawLog)
	}
	if run.Status.Terminal() {
		fmt.Fprintf(&b, "--- run finished: %s", run.Status)
		if run.ErrorMessage != "" {
			fmt.Fprintf(&b, " (%s)", run.ErrorMessage)
		}
		b.WriteString(" ---\n")
	}

	return c.String(http.StatusOK, b.String())
}

func (s *Server) checkCaptcha(c echo.Context) error {
	notification, err := s.captcha.Peek(c.Request().Context())
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, map[string]any{
		"pending":      notification != nil,
		"notification": notification,
	})
}

func (s *Server) clearCaptcha(c echo.Context) error {
	if err := s.captcha.Clear(c.Request().Context()); err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, map[string]bool{"cleared": true})
}

type notifyRequest struct {
	ChallengeType string `json:"challenge_type"`
	Details       string `json:"details"`
	RunID         string `json:"run_id"`
}

func (s *Server) notifyCaptcha(c echo.Context) error {
	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid_body", "expected challenge_type, details, optional run_id")
	}
	if req.ChallengeType == "" {
		return respondError(c, http.StatusBadRequest, "invalid_body", "challenge_type is required")
	}

	ctx := c.Request().Context()
	var runID *uuid.UUID
	var totals storage.RunTotals
	if req.RunID != "" {
		parsed, err := uuid.Parse(req.RunID)
		if err != nil {
			return respondError(c, http.StatusBadRequest, "invalid_id", "run_id must be a UUID")
		}
		run, err := s.runs.Get(ctx, parsed)
		switch {
		case errors.Is(err, runs.ErrNotFound):
			return respondError(c, http.StatusNotFound, "not_found", "no such run")
		case err != nil:
			return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
		}
		runID = &parsed
		totals = storage.RunTotals{
			TotalCollected: run.TotalCollected,
			CreatedCount:   run.CreatedCount,
			UpdatedCount:   run.UpdatedCount,
		}
	}

	if err := s.captcha.Raise(ctx, runID, req.ChallengeType, req.Details, totals); err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusAccepted, map[string]bool{"raised": true})
}

func (s *Server) tokenStatus(c echo.Context) error {
	current, err := s.token.Current(c.Request().Context())
	if err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return respondData(c, http.StatusOK, map[string]any{
		"present": current != "",
		"length":  len(current),
	})
}

func (s *Server) captureToken(c echo.Context) error {
	captured, err := s.token.Capture(c.Request().Context())
	switch {
	case errors.Is(err, token.ErrTokenNotFound):
		return respondError(c, http.StatusBadGateway, "token_not_found", "the site did not issue a token cookie")
	case err != nil:
		return respondError(c, http.StatusInternalServerError, "capture_failed", err.Error())
	}
	return respondData(c, http.StatusOK, map[string]any{"length": len(captured)})
}

func (s *Server) archivePhotos(c echo.Context) error {
	if s.photos == nil {
		return respondError(c, http.StatusServiceUnavailable, "not_configured", "photo archival is not configured")
	}
	s.photos.Trigger()
	return respondData(c, http.StatusAccepted, map[string]bool{"triggered": true})
}

// clearCache wipes run history; add listings=true to also wipe the
// ingested listings.
func (s *Server) clearCache(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.store.DeleteAllRuns(ctx); err != nil {
		return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	cleared := map[string]bool{"runs": true, "listings": false}
	if c.QueryParam("listings") == "true" {
		if err := s.store.DeleteAllListings(ctx); err != nil {
			return respondError(c, http.StatusInternalServerError, "storage_error", err.Error())
		}
		cleared["listings"] = true
	}
	return respondData(c, http.StatusOK, cleared)
}
