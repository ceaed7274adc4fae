package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/metrics"
	"github.com/BiniyamTT/mpesa-api/internal/mpesa"
	"github.com/BiniyamTT/mpesa-api/internal/payments"
	"github.com/BiniyamTT/mpesa-api/internal/transactions"
)

// PaymentService is satisfied by *payments.Service.
type PaymentService interface {
	Submit(ctx context.Context, req payments.SubmitRequest) (*mpesa.STKPushAck, error)
	Lookup(ctx context.Context, correlationID string) (*transactions.Transaction, error)
}

// CallbackReconciler is satisfied by *payments.Reconciler.
type CallbackReconciler interface {
	Reconcile(ctx context.Context, raw []byte) payments.Result
}

// TokenAdmin is satisfied by *mpesa.TokenCache.
type TokenAdmin interface {
	Status() mpesa.TokenStatus
	Refresh(ctx context.Context) (string, error)
}

// CallbackInbox is satisfied by *aws.Publisher.
type CallbackInbox interface {
	SendCallback(ctx context.Context, body []byte, attributes map[string]string) error
}

// HandlerConfig groups dependencies for the HTTP API.
type HandlerConfig struct {
	Payments   PaymentService
	Reconciler CallbackReconciler
	Tokens     TokenAdmin
	// Inbox, when set, receives callbacks for cmd/worker instead of reconciling inline.
	Inbox CallbackInbox

	InternalAPIKey string
	// AllowedCallbackIPs empty disables the callback source check.
	AllowedCallbackIPs []string

	Logger *slog.Logger
	// Metrics and MetricsHandler are optional.
	Metrics        *metrics.Prometheus
	MetricsHandler http.Handler
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(Instrument(cfg.Metrics))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	RegisterPaymentRoutes(r, cfg)
	RegisterCallbackRoutes(r, cfg)
	RegisterAdminRoutes(r, cfg)
	return r
}
