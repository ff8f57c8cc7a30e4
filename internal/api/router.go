// Package api assembles the HTTP surface of the panel.
package api

import (
	"net/http"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/accounts"
	"emby-panel/internal/api/handler"
	"emby-panel/internal/api/middleware"
	"emby-panel/internal/api/websocket"
	"emby-panel/internal/apperr"
	"emby-panel/internal/identity"
	"emby-panel/internal/ledger"
	"emby-panel/internal/logger"
	"emby-panel/internal/reconcile"
	"emby-panel/internal/registry"
	"emby-panel/internal/sweep"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the components the routes are served from.
type Deps struct {
	DB         *gorm.DB
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Identities *identity.Store
	Access     *access.Control
	Engine     *reconcile.Engine
	Accounts   *accounts.Service
	History    *sweep.History

	CronSecret   string
	CookieSecure bool
	// CORSOrigins may call the API from a browser with the session cookie.
	CORSOrigins []string
	// FeedInterval is how often the websocket feed pushes; 0 uses the default.
	FeedInterval time.Duration
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(logger.GinMiddleware(), gin.Recovery(), middleware.CORS(d.CORSOrigins), middleware.Errors())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, middleware.Render(errNotFound))
	})

	cookie := handler.SessionCookie{Secure: d.CookieSecure}
	session := middleware.Session(d.Access)
	auth := middleware.RequireAuth()
	admin := middleware.RequireAdmin()

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1", session)
	{
		v1.POST("/auth/login", handler.Login(d.Identities, d.Access, cookie))
		v1.POST("/auth/logout", auth, handler.Logout(cookie))
		v1.GET("/auth/me", handler.Me())
		v1.PUT("/auth/password", auth, handler.ChangePassword(d.Identities, d.Access, cookie))

		v1.POST("/cron/disable-expired", middleware.CronOrAdmin(d.CronSecret), handler.CronDisableExpired(d.Engine))
		v1.GET("/cron/disable-expired", middleware.CronOrAdmin(d.CronSecret), handler.CronDisableExpired(d.Engine))
	}

	authed := v1.Group("", auth)
	{
		authed.GET("/accounts", handler.ListAccounts(d.Engine))
		authed.GET("/accounts/summary", handler.AccountSummary(d.Engine))
		authed.POST("/accounts", handler.CreateAccount(d.Accounts))
		authed.PUT("/accounts/:serverId/:accountId", handler.EditAccount(d.Accounts))
		authed.DELETE("/accounts/:serverId/:accountId", handler.DeleteAccount(d.Accounts))
		authed.POST("/accounts/:serverId/:accountId/toggle", handler.ToggleAccount(d.Accounts))
		authed.PUT("/accounts/:serverId/:accountId/expiration", handler.SetExpiration(d.Accounts))
		authed.POST("/accounts/:serverId/:accountId/extend", handler.ExtendSubscription(d.Accounts))
		authed.GET("/subscriptions", handler.ListSubscriptions(d.Ledger))

		authed.POST("/sessions/:serverId/:sessionId/stop", handler.StopSession(d.Accounts))
		authed.POST("/sessions/:serverId/:sessionId/logout", admin, handler.LogoutSession(d.Accounts))

		// Resellers need the server list to create accounts; credentials are redacted.
		authed.GET("/servers", handler.ListServers(d.Registry))
		authed.GET("/servers/:id/libraries", handler.ListLibraries(d.Accounts))
	}

	adm := v1.Group("", admin)
	{
		adm.POST("/servers", handler.CreateServer(d.Registry))
		adm.POST("/servers/test", handler.TestServer(d.Registry))
		adm.PUT("/servers/:id", handler.UpdateServer(d.Registry, d.Engine))
		adm.DELETE("/servers/:id", handler.DeleteServer(d.Registry, d.Engine))

		adm.GET("/panel/users", handler.ListPanelUsers(d.Identities))
		adm.POST("/panel/users", handler.CreatePanelUser(d.Identities))
		adm.PUT("/panel/users/:id", handler.UpdatePanelUser(d.Identities))
		adm.DELETE("/panel/users/:id", handler.DeletePanelUser(d.Identities))

		adm.POST("/sweep/expired", handler.ExpirySweep(d.Engine))
		adm.POST("/sweep/inactive", handler.InactivitySweep(d.Engine))
		adm.GET("/sweep/history", handler.SweepHistory(d.History))

		adm.GET("/config/telegram", handler.GetTelegramConfig(d.DB))
		adm.PUT("/config/telegram", handler.UpdateTelegramConfig(d.DB))
	}

	ws := r.Group("/ws", session, auth)
	{
		ws.GET("/accounts", websocket.AccountsHandler(d.Engine, d.FeedInterval))
	}

	return r
}

var errNotFound = apperr.NotFound("route not found")
