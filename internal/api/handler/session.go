package handler

import (
	"emby-panel/internal/accounts"
	"emby-panel/internal/api/middleware"

	"github.com/gin-gonic/gin"
)

func StopSession(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.StopSession(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("sessionId")); err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "playback stopped", nil)
	}
}

// LogoutSession force-closes a session and reports which steps worked.
func LogoutSession(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.ForceLogoutSession(c.Request.Context(), middleware.Actor(c), c.Param("serverId"), c.Param("sessionId"))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "session closed", gin.H{"report": report})
	}
}

func ListLibraries(svc *accounts.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		libs, err := svc.Libraries(c.Request.Context(), middleware.Actor(c), c.Param("id"))
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"libraries": libs})
	}
}
