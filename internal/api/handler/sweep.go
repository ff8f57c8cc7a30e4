package handler

import (
	"net/http"
	"strconv"

	"emby-panel/internal/api/middleware"
	"emby-panel/internal/reconcile"
	"emby-panel/internal/sweep"

	"github.com/gin-gonic/gin"
)

// Trigger values recorded with each sweep.
const (
	TriggerPanel = "panel"
	TriggerCron  = "cron"
)

// ExpirySweep previews (dry_run) or executes the expiry sweep.
func ExpirySweep(engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			DryRun bool `json:"dry_run"`
		}
		if c.Request.ContentLength != 0 && !bindJSON(c, &input) {
			return
		}
		result, err := engine.ExpirySweep(c.Request.Context(), reconcile.SweepOptions{DryRun: input.DryRun, Trigger: TriggerPanel})
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, result.Message, gin.H{"result": result})
	}
}

func InactivitySweep(engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			InactiveDays int  `json:"inactive_days"`
			DryRun       bool `json:"dry_run"`
		}
		if c.Request.ContentLength != 0 && !bindJSON(c, &input) {
			return
		}
		result, err := engine.InactivitySweep(c.Request.Context(), reconcile.InactivityOptions{
			SweepOptions: reconcile.SweepOptions{DryRun: input.DryRun, Trigger: TriggerPanel},
			Days:         input.InactiveDays,
		})
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, result.Message, gin.H{"result": result})
	}
}

// CronDisableExpired runs the expiry sweep for an external scheduler. It
// always executes and answers with the per-account outcome.
func CronDisableExpired(engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := engine.ExpirySweep(c.Request.Context(), reconcile.SweepOptions{Trigger: TriggerCron})
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"message":   result.Message,
			"disabled":  result.Disabled,
			"users":     result.Candidates,
			"errors":    result.Failed,
			"timestamp": result.Timestamp,
		})
	}
}

// SweepHistory lists the latest executed sweeps; "limit" caps the count.
func SweepHistory(history *sweep.History) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		runs, err := history.Recent(c.Request.Context(), limit)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"runs": runs})
	}
}
