package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/workflow"
)

// maxSubmitBytes caps the accepted circular payload.
const maxSubmitBytes = 4 << 20

// SubmitCircularRequest is the body of POST /api/circulars.
type SubmitCircularRequest struct {
	SubjectID string          `json:"subject_id"`
	Input     json.RawMessage `json:"input"`
}

// SubmitCircularResponse acknowledges an accepted submission.
type SubmitCircularResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (a *API) submitCircular(c *gin.Context) {
	if a.submits != nil && !a.submits.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "submission rate exceeded"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmitBytes)
	var req SubmitCircularRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "decode body: " + err.Error()})
		return
	}
	if req.SubjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}

	run, err := a.runner.Submit(c.Request.Context(), req.SubjectID, req.Input)
	if err != nil {
		mapError(c, err)
		return
	}
	a.logger.Info("circular accepted", "run_id", run.ID, "subject_id", req.SubjectID)
	c.JSON(http.StatusAccepted, SubmitCircularResponse{
		RunID:  run.ID.String(),
		Status: string(run.Status),
	})
}

func (a *API) getRun(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	run, err := a.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (a *API) listRuns(c *gin.Context) {
	opts := workflow.ListOpts{
		Status:    workflow.Status(c.Query("status")),
		SubjectID: c.Query("subject_id"),
		Limit:     defaultListLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}
	runs, err := a.store.ListRuns(c.Request.Context(), opts)
	if err != nil {
		mapError(c, err)
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (a *API) resumeRun(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	// Detach from the request context: resume executes the remaining
	// steps synchronously, and a client disconnect must not cancel the
	// run mid-step.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := a.runner.Resume(ctx, runID); err != nil {
		mapError(c, err)
		return
	}
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (a *API) cancelRun(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	if err := a.runner.Cancel(c.Request.Context(), runID); err != nil {
		mapError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseRunID(c *gin.Context) (id.ID, bool) {
	runID, err := id.ParseWithPrefix(c.Param("runId"), id.PrefixRun)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id: " + err.Error()})
		return id.Nil, false
	}
	return runID, true
}
