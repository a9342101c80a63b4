package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// cors opens the dev gateway to a browser SPA served from another origin.
// The websocket endpoint has its own origin check in the upgrader.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
