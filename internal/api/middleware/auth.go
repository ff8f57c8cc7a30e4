package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"emby-panel/internal/access"
	"emby-panel/internal/apperr"
	"emby-panel/internal/logger"

	"github.com/gin-gonic/gin"
)

// CookieName is the cookie carrying the session proof.
const CookieName = "auth-token"

const (
	actorKey   = "actor"
	actorIDKey = "actor_id"
)

type Resolver interface {
	ResolveActor(ctx context.Context, proof string) (*access.Actor, bool)
}

// Session resolves the session proof, if any, and attaches the actor to the
// context. It never aborts; use RequireAuth for that.
func Session(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor, ok := resolver.ResolveActor(c.Request.Context(), getToken(c)); ok {
			c.Set(actorKey, actor)
			c.Set(actorIDKey, actor.ID)
			c.Request = c.Request.WithContext(logger.WithActor(c.Request.Context(), actor.ID))
		}
		c.Next()
	}
}

// Actor returns the authenticated operator, nil when there is none.
func Actor(c *gin.Context) *access.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(*access.Actor); ok {
			return actor
		}
	}
	return nil
}

// RequireAuth aborts requests without a valid session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Actor(c) == nil {
			Abort(c, apperr.Authentication("not authenticated"))
			return
		}
		c.Next()
	}
}

// RequireAdmin aborts requests whose actor is not a panel administrator.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor(c)
		switch {
		case actor == nil:
			Abort(c, apperr.Authentication("not authenticated"))
		case !access.IsAdministrator(actor):
			Abort(c, apperr.Authorization("administrator role required"))
		default:
			c.Next()
		}
	}
}

// CronOrAdmin lets through scheduled jobs presenting the shared secret as a
// bearer token, and administrators. An empty secret disables the former.
func CronOrAdmin(secret string) gin.HandlerFunc {
	admin := RequireAdmin()
	return func(c *gin.Context) {
		if secret != "" {
			if token := bearer(c); token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
				c.Set(actorIDKey, "cron")
				c.Next()
				return
			}
		}
		admin(c)
	}
}

func bearer(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// getToken reads the session proof from the cookie, the Authorization
// header or, for websocket upgrades, the token query parameter.
func getToken(c *gin.Context) string {
	if cookie, err := c.Cookie(CookieName); err == nil && cookie != "" {
		return cookie
	}
	if token := bearer(c); token != "" {
		return token
	}
	return c.Query("token")
}

// CORS sets the CORS headers for the panel frontend. Origins listed in
// allowed are echoed back with credentials allowed; any other caller gets "*",
// which browsers never combine with cookies.
func CORS(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && origins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-Id")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
