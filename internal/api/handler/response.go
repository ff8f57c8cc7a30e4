package handler

import (
	"net/http"
	"strings"
	"time"

	"emby-panel/internal/api/middleware"
	"emby-panel/internal/apperr"

	"github.com/gin-gonic/gin"
)

// success writes {"success": true, "message": ..., <payload>}.
func success(c *gin.Context, message string, payload gin.H) {
	body := gin.H{"success": true}
	if message != "" {
		body["message"] = message
	}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Abort(c, apperr.Validation("body", "invalid request body"))
		return false
	}
	return true
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. Calendar dates
// are taken as midnight UTC.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apperr.Validation(field, "date is required")
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperr.Validation(field, "date must be YYYY-MM-DD or RFC 3339")
}
