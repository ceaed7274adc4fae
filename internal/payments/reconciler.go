package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/BiniyamTT/mpesa-api/internal/metrics"
	"github.com/BiniyamTT/mpesa-api/internal/transactions"
)

// Outcome classifies what a callback did.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeMalformed          Outcome = "malformed_callback"
	OutcomeUnknownCorrelation Outcome = "unknown_correlation"
	OutcomeAlreadyReconciled  Outcome = "already_reconciled"
	OutcomeConflict           Outcome = "reconciliation_conflict"
	OutcomeStoreError         Outcome = "store_error"
)

// Result describes a reconciled callback. Err is set for malformed payloads
// and store failures.
type Result struct {
	Outcome       Outcome
	CorrelationID string
	TransactionID string
	// Status is the stored status after reconciliation, when known.
	Status transactions.Status
	Err    error
}

// Acknowledge reports whether the gateway should get a success response.
// Only structurally malformed payloads are rejected.
func (r Result) Acknowledge() bool {
	return r.Outcome != OutcomeMalformed
}

// Retryable reports whether redelivering the same callback could change the
// result.
func (r Result) Retryable() bool {
	return r.Outcome == OutcomeStoreError
}

// Reconciler applies STK callbacks to transactions.
type Reconciler struct {
	store   transactions.Store
	log     *slog.Logger
	metrics metrics.Recorder
}

func NewReconciler(store transactions.Store, log *slog.Logger, rec metrics.Recorder) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Reconciler{store: store, log: log, metrics: rec}
}

// Reconcile never returns an error to the caller; every path ends in a Result.
//
// The terminal write is conditional on the stored status still being
// Initiated or Pending, so duplicate deliveries racing each other apply once
// and the loser is classified against the winner's status.
func (r *Reconciler) Reconcile(ctx context.Context, raw []byte) Result {
	res := r.reconcile(ctx, raw)
	r.metrics.CallbackReconciled(string(res.Outcome))

	log := r.log.With(
		"outcome", string(res.Outcome),
		"merchant_request_id", res.CorrelationID,
		"transaction_id", res.TransactionID,
	)
	switch res.Outcome {
	case OutcomeApplied:
		log.Info("stk callback applied", "status", res.Status)
	case OutcomeAlreadyReconciled:
		log.Info("duplicate stk callback ignored", "status", res.Status)
	case OutcomeConflict:
		log.Warn("stk callback conflicts with recorded outcome", "status", res.Status)
	case OutcomeUnknownCorrelation:
		log.Warn("stk callback for unknown merchant request id")
	default:
		log.Error("stk callback not applied", "error", res.Err)
	}
	return res
}

func (r *Reconciler) reconcile(ctx context.Context, raw []byte) Result {
	cb, err := ParseCallback(raw)
	if err != nil {
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
	res := Result{CorrelationID: cb.CorrelationID}

	tx, err := r.store.FindByCorrelationID(ctx, cb.CorrelationID)
	if err != nil {
		res.Outcome, res.Err = OutcomeStoreError, err
		return res
	}
	if tx == nil {
		res.Outcome = OutcomeUnknownCorrelation
		return res
	}
	res.TransactionID = tx.ID

	target := transactions.StatusFailed
	if cb.Succeeded() {
		target = transactions.StatusSuccess
	}

	if tx.Status.Terminal() {
		return classify(res, tx.Status, target)
	}

	patch := transactions.Patch{
		Expect:          []transactions.Status{transactions.StatusInitiated, transactions.StatusPending},
		Status:          &target,
		CallbackPayload: json.RawMessage(raw),
	}
	if cb.Succeeded() {
		receipt := cb.Metadata[MetaReceiptNumber]
		if receipt == "" {
			r.log.Warn("successful stk callback without receipt number", "merchant_request_id", cb.CorrelationID)
		}
		patch.ReceiptID = &receipt
		patch.ClearFailureReason = true
		if v, ok := cb.Metadata[MetaTransactionDate]; ok {
			patch.CallbackTransactionDate = &v
		}
		if v, ok := cb.Metadata[MetaPhoneNumber]; ok {
			patch.CallbackPhoneNumber = &v
		}
	} else {
		reason := cb.ResultDesc
		patch.FailureReason = &reason
	}

	updated, err := r.store.UpdateByID(ctx, tx.ID, patch)
	var mismatch *transactions.StatusMismatchError
	switch {
	case errors.As(err, &mismatch):
		return classify(res, mismatch.Current.Status, target)
	case err != nil:
		res.Outcome, res.Err = OutcomeStoreError, err
		return res
	}

	res.Outcome = OutcomeApplied
	res.Status = updated.Status
	return res
}

func classify(res Result, current, target transactions.Status) Result {
	res.Status = current
	if current == target {
		res.Outcome = OutcomeAlreadyReconciled
	} else {
		res.Outcome = OutcomeConflict
	}
	return res
}
