package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin rejects websocket upgrades from browsers whose Origin is not listed.
// An empty list or "*" allows everything; requests without Origin (non-browser
// clients) always pass.
func Origin(path string, allowed []string) gin.HandlerFunc {
	allow := make(map[string]struct{}, len(allowed))
	allowAll := len(allowed) == 0
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allow[o] = struct{}{}
	}
	return func(c *gin.Context) {
		if allowAll || c.Request.Method != http.MethodGet || c.Request.URL.Path != path {
			return
		}
		origin := strings.TrimRight(c.GetHeader("Origin"), "/")
		if origin == "" {
			return
		}
		if _, ok := allow[origin]; !ok {
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}
