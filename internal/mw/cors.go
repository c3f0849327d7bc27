package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 返回跨域中间件。allowed 为空时：dev 环境允许所有来源，
// 其它环境只允许与请求 Host 相同的来源。
func CORS(env string, allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if originAllowed(origin, c.Request.Host, env, set) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin, host, env string, set map[string]struct{}) bool {
	if len(set) > 0 {
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
	if env == "dev" {
		return true
	}
	o := strings.ToLower(origin)
	return o == "http://"+strings.ToLower(host) || o == "https://"+strings.ToLower(host)
}
