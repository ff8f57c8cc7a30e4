package middleware

import (
	"emby-panel/internal/apperr"

	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// Errors renders the last error recorded on the context when the handler
// did not write a response itself.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		if last == nil {
			return
		}
		c.AbortWithStatusJSON(apperr.HTTPStatus(last.Err), Render(last.Err))
	}
}

// Render converts err into the response body shape.
func Render(err error) any {
	payload := errorPayload{
		Type:    string(apperr.KindOf(err)),
		Message: apperr.PublicMessage(err),
	}
	if e, ok := apperr.As(err); ok {
		payload.Field = e.Field
	}
	return errorResponse{Error: payload}
}

// Abort records err for the Errors middleware and stops the chain.
func Abort(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}
