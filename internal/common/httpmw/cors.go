package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/djinnbot/djinnbot/internal/common/config"
)

// CORS applies the configured allowed origins to every response and
// short-circuits preflight requests.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	allowAll := cfg.AllowAllOrigins()
	allowed := make(map[string]bool, len(cfg.Origins))
	for _, o := range cfg.Origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-GitHub-Event, X-GitHub-Delivery, X-Hub-Signature-256")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
