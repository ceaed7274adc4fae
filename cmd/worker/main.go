package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

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
	log := logging.New(cfg.LogLevel).With("component", "callback-worker")

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to init app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	p := NewProcessor(a.Reconciler, log)

	// If RUN_LOCAL=true, process a single callback body for local testing.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Error("RUN_LOCAL needs LOCAL_SQS_BODY with a raw stk callback")
			os.Exit(1)
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: body},
			},
		}
		resp, _ := p.Handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			log.Error("local callback failed")
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
