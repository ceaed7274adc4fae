package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/payments"
)

const maxCallbackBytes = 1 << 20

// RegisterCallbackRoutes registers the gateway-facing STK callback receiver.
//
// Every structurally valid callback is acknowledged with 200 so the gateway
// does not redeliver; only malformed payloads get a 400. With an Inbox the raw
// body is queued for cmd/worker, falling back to inline reconciliation when the
// queue is unavailable.
func RegisterCallbackRoutes(r *gin.Engine, cfg HandlerConfig) {
	log := cfg.Logger

	r.POST("/mpesa/callback/stk", AllowIPs(cfg.AllowedCallbackIPs, log), func(c *gin.Context) {
		ctx := c.Request.Context()
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid payload"})
			return
		}

		if cfg.Inbox != nil {
			cb, err := payments.ParseCallback(raw)
			if err != nil {
				log.Warn("rejected malformed stk callback", "error", err)
				c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid payload"})
				return
			}
			err = cfg.Inbox.SendCallback(ctx, raw, map[string]string{
				"correlation_id": cb.CorrelationID,
				"received_at":    time.Now().UTC().Format(time.RFC3339),
			})
			if err == nil {
				c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
				return
			}
			log.Error("queue stk callback failed, reconciling inline", "merchant_request_id", cb.CorrelationID, "error", err)
		}

		res := cfg.Reconciler.Reconcile(ctx, raw)
		if !res.Acknowledge() {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid payload"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Callback processed", "outcome": res.Outcome})
	})
}
