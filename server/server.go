// Package server exposes the administrative HTTP API: settings,
// run control, the captcha mailbox and token capture.
package server

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"lbc_ingest/captcha"
	"lbc_ingest/runs"
	"lbc_ingest/storage"
)

// RunStarter launches an ingestion run in the background, returning
// its ID, or runs.ErrConflict when one is already active.
type RunStarter interface {
	ExecuteAsync(ctx context.Context) (uuid.UUID, error)
}

// TokenCapturer drives a browser session to refresh the anti-bot token.
type TokenCapturer interface {
	Capture(ctx context.Context) (string, error)
	Current(ctx context.Context) (string, error)
}

// PhotoTrigger requests an immediate photo archival pass.
type PhotoTrigger interface {
	Trigger()
}

type Server struct {
	store   storage.Store
	runs    *runs.Manager
	captcha *captcha.Channel
	starter RunStarter
	token   TokenCapturer
	photos  PhotoTrigger // may be nil when archival is not configured
}

func New(store storage.Store, runManager *runs.Manager, captchaChannel *captcha.Channel, starter RunStarter, token TokenCapturer, photos PhotoTrigger) *Server {
	return &Server{
		store:   store,
		runs:    runManager,
		captcha: captchaChannel,
		starter: starter,
		token:   token,
		photos:  photos,
	}
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/settings", s.listSettings)
	e.POST("/settings", s.updateSettings)

	e.GET("/runs", s.listRuns)
	e.POST("/runs", s.startRun)
	e.GET("/runs/:id", s.getRun)
	e.POST("/runs/:id/abort", s.abortRun)
	e.GET("/runs/:id/logs", s.runLogs)

	e.GET("/captcha/check", s.checkCaptcha)
	e.DELETE("/captcha/check", s.clearCaptcha)
	e.POST("/captcha/notify", s.notifyCaptcha)

	e.GET("/token", s.tokenStatus)
	e.POST("/token/capture", s.captureToken)

	e.POST("/photos/archive", s.archivePhotos)

	e.DELETE("/cache", s.clearCache)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	s.RegisterRoutes(e)

	go func() {
		<-ctx.Done()
		if err := e.Shutdown(context.Background()); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("Admin API listening on %s", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
