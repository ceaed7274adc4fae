package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/payments"
	"github.com/BiniyamTT/mpesa-api/internal/validation"
)

// RegisterPaymentRoutes registers the internal payment API.
func RegisterPaymentRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	log := cfg.Logger

	internal := r.Group("/internal/v1/payments", RequireAPIKey(cfg.InternalAPIKey, log))

	internal.POST("/request", func(c *gin.Context) {
		var req validation.PaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		ack, err := cfg.Payments.Submit(c.Request.Context(), payments.SubmitRequest{
			Amount:           req.Amount,
			PhoneNumber:      req.PhoneNumber,
			AccountReference: req.AccountReference,
			Description:      req.TransactionDesc,
		})
		if err != nil {
			status, code := submitErrorStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error("stk push request failed", "error", err)
			}
			c.JSON(status, gin.H{"status": "error", "error": code, "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "STK Push initiated successfully. Waiting for callback.",
			"data":    ack,
		})
	})

	internal.GET("/:correlationId", func(c *gin.Context) {
		tx, err := cfg.Payments.Lookup(c.Request.Context(), c.Param("correlationId"))
		switch {
		case errors.Is(err, payments.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "not_found"})
			return
		case err != nil:
			log.Error("payment lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "lookup_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": tx})
	})
}

func submitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, payments.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, payments.ErrAuth):
		return http.StatusServiceUnavailable, "gateway_auth_failed"
	case errors.Is(err, payments.ErrGateway):
		return http.StatusBadGateway, "gateway_rejected"
	case errors.Is(err, payments.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
