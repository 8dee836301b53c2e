package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/models"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
)

type errorBody struct {
	Error   string          `json:"error"`
	Summary *models.Summary `json:"summary,omitempty"`
}

type sessionResponse struct {
	Session      *models.Session `json:"session"`
	MessageCount int             `json:"message_count"`
}

type closeRequest struct {
	Summarize *bool `json:"summarize"`
}

type sweepResponse struct {
	Closed     int `json:"closed"`
	Reconciled int `json:"reconciled"`
}

// respondError maps lifecycle errors onto HTTP statuses.
func (s *Server) respondError(c echo.Context, err error) error {
	var sumErr *session.SummarizationError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrInvalidState):
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &sumErr):
		return c.JSON(http.StatusBadGateway, errorBody{Error: err.Error()})
	}

	s.logger.Error("Request failed",
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func (s *Server) getSession(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	count, err := s.store.CountMessages(ctx, sess.ID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: sess, MessageCount: count})
}

func (s *Server) listMessages(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	messages, err := s.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return s.respondError(c, err)
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) closeSession(c echo.Context) error {
	var req closeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	summarize := req.Summarize == nil || *req.Summarize

	closed, err := s.manager.CloseSession(c.Request().Context(), c.Param("id"), models.CloseManual, summarize)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, closed)
}

func (s *Server) generateSummary(c echo.Context) error {
	summary, err := s.manager.GenerateSummaryNow(c.Request().Context(), c.Param("id"))
	var sumErr *session.SummarizationError
	if errors.As(err, &sumErr) {
		return c.JSON(http.StatusBadGateway, errorBody{Error: sumErr.Error(), Summary: summary})
	}
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) listSummaries(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	summaries, err := s.store.ListSummaries(ctx, sess.ID)
	if err != nil {
		return s.respondError(c, err)
	}
	if summaries == nil {
		summaries = []*models.Summary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) sweep(c echo.Context) error {
	ctx := c.Request().Context()
	closed, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		return s.respondError(c, err)
	}
	reconciled, err := s.sweeper.ReconcileStale(ctx)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, sweepResponse{Closed: closed, Reconciled: reconciled})
}
