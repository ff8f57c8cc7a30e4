package handler

import (
	"net/http"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/api/middleware"
	"emby-panel/internal/apperr"
	"emby-panel/internal/identity"
	"emby-panel/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionCookie controls how the session proof cookie is written.
type SessionCookie struct {
	Secure bool
}

func (sc SessionCookie) set(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.CookieName, token, int(ttl.Seconds()), "/", "", sc.Secure, true)
}

func (sc SessionCookie) clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.CookieName, "", -1, "/", "", sc.Secure, true)
}

func identitySummary(u *model.PanelUser) gin.H {
	return gin.H{"id": u.ID, "username": u.Username, "name": u.Name, "role": u.Role}
}

func Login(store *identity.Store, control *access.Control, cookie SessionCookie) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if !bindJSON(c, &input) {
			return
		}
		if input.Username == "" || input.Password == "" {
			middleware.Abort(c, apperr.Validation("username", "username and password are required"))
			return
		}

		user, err := store.VerifyCredentials(c.Request.Context(), input.Username, input.Password)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		if user == nil {
			middleware.Abort(c, apperr.Authentication("invalid credentials"))
			return
		}

		token, expires, err := control.Issue(user)
		if err != nil {
			middleware.Abort(c, apperr.Internal("could not generate session", err))
			return
		}
		cookie.set(c, token, control.TTL())
		zap.L().Named("auth").Info("login", zap.String("user_id", user.ID), zap.String("username", user.Username))

		success(c, "logged in", gin.H{
			"token":      token,
			"expires_at": expires,
			"user":       identitySummary(user),
		})
	}
}

func Logout(cookie SessionCookie) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie.clear(c)
		success(c, "logged out", nil)
	}
}

// Me reports the current identity. It answers 200 for anonymous callers too.
func Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		if actor == nil {
			c.JSON(http.StatusOK, gin.H{"authenticated": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": actor})
	}
}

// ChangePassword changes the actor's own password. Every other session of
// the actor is revoked; the current one gets a fresh proof.
func ChangePassword(store *identity.Store, control *access.Control, cookie SessionCookie) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if !bindJSON(c, &input) {
			return
		}
		actor := middleware.Actor(c)
		ctx := c.Request.Context()

		if err := store.ChangePassword(ctx, actor.ID, input.CurrentPassword, input.NewPassword); err != nil {
			middleware.Abort(c, err)
			return
		}
		user, err := store.Get(ctx, actor.ID)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		token, _, err := control.Issue(user)
		if err != nil {
			middleware.Abort(c, apperr.Internal("could not generate session", err))
			return
		}
		cookie.set(c, token, control.TTL())
		success(c, "password updated", gin.H{"token": token})
	}
}

func ListPanelUsers(store *identity.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := store.List(c.Request.Context())
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"users": users})
	}
}

// CreatePanelUser creates a reseller. Administrators are only bootstrapped.
func CreatePanelUser(store *identity.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if !bindJSON(c, &input) {
			return
		}
		user, err := store.Create(c.Request.Context(), input.Username, input.Password, input.Name, model.RoleReseller)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "message": "reseller created", "user": user})
	}
}

// UpdatePanelUser renames a reseller and, when a password is given, resets it.
func UpdatePanelUser(store *identity.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Name     *string `json:"name"`
			Password *string `json:"password"`
		}
		if !bindJSON(c, &input) {
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")

		if input.Password != nil && *input.Password != "" {
			if err := store.ResetPassword(ctx, id, *input.Password); err != nil {
				middleware.Abort(c, err)
				return
			}
		}
		if input.Name != nil {
			if _, err := store.Rename(ctx, id, *input.Name); err != nil {
				middleware.Abort(c, err)
				return
			}
		}
		user, err := store.Get(ctx, id)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "reseller updated", gin.H{"user": user})
	}
}

func DeletePanelUser(store *identity.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Delete(c.Request.Context(), c.Param("id")); err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "reseller deleted", nil)
	}
}
