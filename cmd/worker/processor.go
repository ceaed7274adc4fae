package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/BiniyamTT/mpesa-api/internal/payments"
)

// CallbackReconciler is satisfied by *payments.Reconciler.
type CallbackReconciler interface {
	Reconcile(ctx context.Context, raw []byte) payments.Result
}

// Processor reconciles STK callbacks queued by the API.
type Processor struct {
	reconciler CallbackReconciler
	log        *slog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(reconciler CallbackReconciler, log *slog.Logger) *Processor {
	return &Processor{reconciler: reconciler, log: log}
}

// Handle reconciles each record of an SQS batch. Only store failures are
// reported back as batch item failures, so SQS redelivers just those messages;
// every other outcome is final and retrying it would change nothing.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		res := p.reconciler.Reconcile(ctx, []byte(rec.Body))
		log := p.log.With("message_id", rec.MessageId, "outcome", string(res.Outcome))

		switch {
		case res.Retryable():
			log.Error("callback reconciliation will be retried", "error", res.Err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		case res.Outcome == payments.OutcomeMalformed:
			// the API validated it before queueing; nothing a retry can fix
			log.Error("dropping malformed queued callback", "error", res.Err)
		default:
			log.Info("queued callback processed", "merchant_request_id", res.CorrelationID)
		}
	}
	return resp, nil
}
