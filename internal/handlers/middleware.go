package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/metrics"
)

// RequireAPIKey checks the X-API-Key header used by internal callers.
// A missing key is 401, a wrong one 403.
func RequireAPIKey(expected string, log *slog.Logger) gin.HandlerFunc {
	if expected == "" {
		log.Error("INTERNAL_API_KEY is not set; internal routes will reject every request")
	}
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Not authorized, no API key provided."})
			return
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "error", "message": "Forbidden, invalid API key."})
			return
		}
		c.Next()
	}
}

// AllowIPs rejects callbacks from addresses outside allowed. An empty list
// lets everything through (development, tunnels).
func AllowIPs(allowed []string, log *slog.Logger) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = struct{}{}
		}
	}
	if len(set) == 0 {
		log.Warn("callback IP allow-list is empty; accepting callbacks from any address")
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			c.Next()
			return
		}
		ip := strings.TrimPrefix(c.ClientIP(), "::ffff:")
		if _, ok := set[ip]; !ok {
			log.Warn("blocked callback from unlisted address", "ip", ip)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Forbidden: Unauthorized IP address"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// Instrument records request counts and latency per route template.
func Instrument(m *metrics.Prometheus) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(route, c.Request.Method, c.Writer.Status(), time.Since(start).Seconds())
	}
}
