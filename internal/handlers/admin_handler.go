package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/mpesa"
)

// RegisterAdminRoutes exposes the token cache for operators.
func RegisterAdminRoutes(r *gin.Engine, cfg HandlerConfig) {
	log := cfg.Logger
	admin := r.Group("/admin", RequireAPIKey(cfg.InternalAPIKey, log))

	admin.GET("/token", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": cfg.Tokens.Status()})
	})

	admin.POST("/token/refresh", func(c *gin.Context) {
		token, err := cfg.Tokens.Refresh(c.Request.Context())
		if err != nil {
			log.Error("manual token refresh failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "gateway_auth_failed", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "Token refreshed",
			"data":    gin.H{"token": mpesa.Redact(token), "status": cfg.Tokens.Status()},
		})
	})
}
