package handler

import (
	"net/http"

	"emby-panel/internal/api/middleware"
	"emby-panel/internal/model"
	"emby-panel/internal/reconcile"
	"emby-panel/internal/registry"

	"github.com/gin-gonic/gin"
)

func redacted(servers []model.Server) []model.ServerView {
	out := make([]model.ServerView, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Redacted())
	}
	return out
}

// ListServers returns every server with its credential hidden.
func ListServers(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := reg.List(c.Request.Context())
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		success(c, "", gin.H{"servers": redacted(servers)})
	}
}

func CreateServer(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input registry.NewServer
		if !bindJSON(c, &input) {
			return
		}
		server, err := reg.Add(c.Request.Context(), input)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "message": "server added", "server": server.Redacted()})
	}
}

// UpdateServer patches a server and drops its cached upstream state.
func UpdateServer(reg *registry.Registry, engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input registry.ServerPatch
		if !bindJSON(c, &input) {
			return
		}
		id := c.Param("id")
		server, err := reg.Update(c.Request.Context(), id, input)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		engine.Invalidate(id)
		success(c, "server updated", gin.H{"server": server.Redacted()})
	}
}

// DeleteServer removes a server together with its subscriptions.
func DeleteServer(reg *registry.Registry, engine *reconcile.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := reg.Delete(c.Request.Context(), id); err != nil {
			middleware.Abort(c, err)
			return
		}
		engine.Invalidate(id)
		success(c, "server deleted", nil)
	}
}

// TestServer checks that a url and api key reach a media server. When the
// key is omitted or redacted, the stored key of server id is used.
func TestServer(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			ID     string `json:"id"`
			URL    string `json:"url"`
			APIKey string `json:"api_key"`
		}
		if !bindJSON(c, &input) {
			return
		}
		ctx := c.Request.Context()
		if input.ID != "" && (input.APIKey == "" || input.APIKey == model.RedactedSecret) {
			server, err := reg.Get(ctx, input.ID)
			if err != nil {
				middleware.Abort(c, err)
				return
			}
			input.APIKey = server.APIKey
			if input.URL == "" {
				input.URL = server.URL
			}
		}
		c.JSON(http.StatusOK, reg.TestConnection(ctx, input.URL, input.APIKey))
	}
}
