// Package webhook serves the LINE webhook endpoint and a small admin API for
// inspecting, closing and summarizing sessions.
package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xaenox/chatdigest/internal/ingest"
	"github.com/xaenox/chatdigest/internal/session"
	"github.com/xaenox/chatdigest/internal/storage"
)

type Server struct {
	echo     *echo.Echo
	ingester *ingest.Ingester
	manager  *session.Manager
	sweeper  *session.Sweeper
	store    storage.Storage
	logger   *zap.Logger
}

func NewServer(ingester *ingest.Ingester, manager *session.Manager, sweeper *session.Sweeper, store storage.Storage, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		ingester: ingester,
		manager:  manager,
		sweeper:  sweeper,
		store:    store,
		logger:   logger,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Debug("HTTP request", fields...)
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	s.echo.POST("/webhook/line/:owner", s.handleLineWebhook)

	api := s.echo.Group("/api")
	api.GET("/sessions/:id", s.getSession)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.POST("/sessions/:id/close", s.closeSession)
	api.POST("/sessions/:id/summary", s.generateSummary)
	api.GET("/sessions/:id/summaries", s.listSummaries)
	api.POST("/sweep", s.sweep)
}

// ServeHTTP makes the server usable as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleLineWebhook(c echo.Context) error {
	ownerID := c.Param("owner")

	var body lineCallback
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid webhook body"})
	}

	ctx := c.Request().Context()
	admitted := 0
	for _, event := range body.Events {
		in, ok, err := event.toInbound(ownerID)
		if err != nil {
			s.logger.Warn("Skipping LINE event",
				zap.String("owner_id", ownerID),
				zap.String("event_id", event.WebhookEventID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if _, err := s.ingester.Ingest(ctx, in); err != nil {
			s.logger.Error("Failed to ingest LINE message",
				zap.String("owner_id", ownerID),
				zap.String("room_id", in.RoomID),
				zap.String("platform_message_id", in.Message.PlatformMessageID),
				zap.Error(err))
			continue
		}
		admitted++
	}

	return c.JSON(http.StatusOK, map[string]int{"admitted": admitted})
}
