// Package api exposes the run lifecycle over HTTP: submit a circular,
// inspect runs, resume or cancel them, and attach to the live channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/workflow"
)

const defaultListLimit = 50

// Runner is the slice of the workflow runner the API needs.
type Runner interface {
	Submit(ctx context.Context, subjectID string, input json.RawMessage) (*workflow.Run, error)
	Resume(ctx context.Context, runID id.ID) error
	Cancel(ctx context.Context, runID id.ID) error
}

// API assembles the HTTP surface.
type API struct {
	runner  Runner
	store   workflow.Store
	live    http.Handler
	submits *rate.Limiter
	logger  *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithSubmitRate caps accepted submissions per minute; the burst equals
// the per-minute budget.
func WithSubmitRate(perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.submits = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		}
	}
}

// WithLiveHandler mounts the WebSocket hub at /ws.
func WithLiveHandler(h http.Handler) Option {
	return func(a *API) { a.live = h }
}

// WithLogger sets the API's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New builds the API over the runner and store.
func New(runner Runner, store workflow.Store, opts ...Option) *API {
	a := &API{
		runner: runner,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the assembled gin router.
func (a *API) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.health)
	if a.live != nil {
		router.GET("/ws", gin.WrapH(a.live))
	}

	api := router.Group("/api")
	{
		api.POST("/circulars", a.submitCircular)
		api.GET("/runs", a.listRuns)
		api.GET("/runs/:runId", a.getRun)
		api.POST("/runs/:runId/resume", a.resumeRun)
		api.POST("/runs/:runId/cancel", a.cancelRun)
	}
	return router
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// mapError translates domain errors to status codes; anything
// unrecognized is a 500.
func mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, watchtower.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, watchtower.ErrAlreadyRunning),
		errors.Is(err, watchtower.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
