package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"emby-panel/internal/access"
	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens map[string]*access.Actor

func (t tokens) ResolveActor(_ context.Context, proof string) (*access.Actor, bool) {
	a, ok := t[proof]
	return a, ok
}

var resolver = tokens{
	"admin":    {ID: "a1", Username: "admin", Role: model.RoleAdmin},
	"reseller": {ID: "r1", Username: "rita", Role: model.RoleReseller},
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Errors(), Session(resolver))
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor_id": c.GetString(actorIDKey)})
	})
	r.GET("/x", handlers...)
	return r
}

func get(r http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCronOrAdmin(t *testing.T) {
	r := newRouter(CronOrAdmin("s3cret"))

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"secret", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "bearer s3cret", http.StatusOK},
		{"wrong secret", "Bearer nope", http.StatusUnauthorized},
		{"administrator", "Bearer admin", http.StatusOK},
		{"reseller", "Bearer reseller", http.StatusForbidden},
		{"nothing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, "Authorization", tt.auth)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := get(r, "Authorization", "Bearer s3cret")
	assert.JSONEq(t, `{"actor_id":"cron"}`, w.Body.String())
}

func TestCronOrAdminWithoutSecret(t *testing.T) {
	r := newRouter(CronOrAdmin(""))
	assert.Equal(t, http.StatusUnauthorized, get(r, "Authorization", "Bearer ").Code)
	assert.Equal(t, http.StatusOK, get(r, "Authorization", "Bearer admin").Code)
}

func TestSessionReadsCookie(t *testing.T) {
	r := newRouter(RequireAuth())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "reseller"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"actor_id":"r1"}`, w.Body.String())
}

func TestErrorsRendersKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Errors())
	r.GET("/x", func(c *gin.Context) {
		Abort(c, apperr.Validation("name", "name is required"))
	})
	r.GET("/y", func(c *gin.Context) {
		Abort(c, apperr.Persistence("failed to read", assert.AnError))
	})

	w := get(r, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":{"type":"validation_error","message":"name is required","field":"name"}}`, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/y", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://panel.example/"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/x", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := preflight("https://panel.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://panel.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = preflight("https://evil.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}
