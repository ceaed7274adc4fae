package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/BiniyamTT/mpesa-api/internal/app"
	"github.com/BiniyamTT/mpesa-api/internal/config"
	"github.com/BiniyamTT/mpesa-api/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to init app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	r := a.Router()

	// if RUN_LOCAL is true, run a local HTTP server for development.
	if cfg.RunLocal {
		srv := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("running local server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("local server failed", "error", err)
				os.Exit(1)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
