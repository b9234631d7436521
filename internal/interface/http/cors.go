package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// originPolicy decides which browser origins may read the fleet queries.
// An empty list or a "*" entry opens them to every origin.
type originPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{any: len(allowed) == 0, origins: make(map[string]struct{}, len(allowed))}
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			p.any = true
			continue
		}
		if origin != "" {
			p.origins[strings.ToLower(origin)] = struct{}{}
		}
	}
	return p
}

// allow returns the Access-Control-Allow-Origin value for origin, or "" when
// the origin is not permitted.
func (p originPolicy) allow(origin string) string {
	if p.any {
		return "*"
	}
	if _, ok := p.origins[strings.ToLower(origin)]; ok {
		return origin
	}
	return ""
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	policy := newOriginPolicy(allowed)
	return func(c *gin.Context) {
		headers := c.Writer.Header()
		if !policy.any {
			headers.Add("Vary", "Origin")
		}
		if value := policy.allow(c.GetHeader("Origin")); value != "" {
			headers.Set("Access-Control-Allow-Origin", value)
			headers.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			headers.Set("Access-Control-Allow-Headers", "Content-Type")
			headers.Set("Access-Control-Max-Age", "600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
