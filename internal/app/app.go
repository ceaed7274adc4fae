// Package app wires configuration into the store, token cache, gateway client,
// payment service and callback reconciler shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BiniyamTT/mpesa-api/internal/aws"
	"github.com/BiniyamTT/mpesa-api/internal/config"
	"github.com/BiniyamTT/mpesa-api/internal/handlers"
	"github.com/BiniyamTT/mpesa-api/internal/metrics"
	"github.com/BiniyamTT/mpesa-api/internal/mpesa"
	"github.com/BiniyamTT/mpesa-api/internal/payments"
	"github.com/BiniyamTT/mpesa-api/internal/transactions"
)

// App holds the long-lived components of one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      transactions.Store
	Tokens     *mpesa.TokenCache
	Gateway    *mpesa.Client
	Payments   *payments.Service
	Reconciler *payments.Reconciler
	Inbox      *aws.Publisher // nil unless CALLBACK_QUEUE_URL is set

	Registry   *prometheus.Registry
	Prometheus *metrics.Prometheus

	closers []func() error
}

// Option overrides a dependency, mostly for tests.
type Option func(*options)

type options struct {
	clients    *aws.Clients
	httpClient *http.Client
}

// WithAWSClients skips loading AWS config and uses c instead.
func WithAWSClients(c *aws.Clients) Option {
	return func(o *options) { o.clients = c }
}

// WithHTTPClient sets the client used for gateway calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds every component from cfg. AWS clients are only loaded when the
// DynamoDB backend, the callback queue or CloudWatch metrics need them.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Mpesa.HTTPTimeout}
	}

	a := &App{Config: cfg, Logger: log}

	needAWS := cfg.StoreBackend == config.BackendDynamoDB || cfg.CallbackQueueURL != "" || cfg.Metrics.CloudWatchNamespace != ""
	if needAWS && o.clients == nil {
		clients, err := aws.NewClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		o.clients = clients
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Prometheus = metrics.NewPrometheus(a.Registry)
	recorders := []metrics.Recorder{a.Prometheus}
	if ns := cfg.Metrics.CloudWatchNamespace; ns != "" {
		recorders = append(recorders, metrics.NewCloudWatch(o.clients.CloudWatch, ns, log))
	}
	rec := metrics.Multi(recorders...)

	store, err := a.openStore(o.clients)
	if err != nil {
		return nil, err
	}
	a.Store = store

	fetcher := mpesa.NewFetcher(o.httpClient, cfg.Mpesa.BaseURL, cfg.Mpesa.AuthPath, cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret)
	a.Tokens = mpesa.NewTokenCache(fetcher,
		mpesa.WithSafetyMargin(cfg.Mpesa.TokenSafetyMargin),
		mpesa.WithLogger(log),
		mpesa.WithMetrics(rec),
	)
	a.Gateway = mpesa.NewClient(o.httpClient, mpesa.ClientConfig{
		BaseURL:     cfg.Mpesa.BaseURL,
		STKPushPath: cfg.Mpesa.STKPushPath,
		ShortCode:   cfg.Mpesa.ShortCode,
		Passkey:     cfg.Mpesa.Passkey,
		CallbackURL: cfg.Mpesa.STKCallbackURL,
	})
	a.Payments = payments.NewService(a.Tokens, a.Gateway, a.Store, log, rec)
	a.Reconciler = payments.NewReconciler(a.Store, log, rec)

	if cfg.CallbackQueueURL != "" {
		a.Inbox = aws.NewPublisher(o.clients.SQS, cfg.CallbackQueueURL)
	}
	return a, nil
}

func (a *App) openStore(clients *aws.Clients) (transactions.Store, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		return transactions.NewDynamoStore(clients.DynamoDB, cfg.TransactionsTable, cfg.CorrelationTable), nil
	case config.BackendSQLite, config.BackendPostgres:
		s, err := transactions.OpenSQLStore(cfg.StoreBackend, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Router returns the HTTP API.
func (a *App) Router() *gin.Engine {
	hc := handlers.HandlerConfig{
		Payments:           a.Payments,
		Reconciler:         a.Reconciler,
		Tokens:             a.Tokens,
		InternalAPIKey:     a.Config.InternalAPIKey,
		AllowedCallbackIPs: a.Config.CallbackAllowedIPs,
		Logger:             a.Logger,
		Metrics:            a.Prometheus,
		MetricsHandler:     promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
	}
	// a nil *aws.Publisher in the interface would not read as "no inbox"
	if a.Inbox != nil {
		hc.Inbox = a.Inbox
	}
	return handlers.NewRouter(hc)
}

// Close releases database connections.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
