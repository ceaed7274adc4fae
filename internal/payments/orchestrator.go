package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BiniyamTT/mpesa-api/internal/metrics"
	"github.com/BiniyamTT/mpesa-api/internal/mpesa"
	"github.com/BiniyamTT/mpesa-api/internal/transactions"
)

// TokenSource is satisfied by *mpesa.TokenCache.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Gateway is satisfied by *mpesa.Client.
type Gateway interface {
	NewSTKPush(p mpesa.STKPushParams) mpesa.STKPushRequest
	Push(ctx context.Context, token string, payload mpesa.STKPushRequest) (*mpesa.STKPushAck, error)
}

// SubmitRequest is one customer payment prompt.
type SubmitRequest struct {
	Amount           decimal.Decimal
	PhoneNumber      string
	AccountReference string
	Description      string
}

// Service submits STK pushes and records them as transactions.
type Service struct {
	tokens  TokenSource
	gateway Gateway
	store   transactions.Store
	log     *slog.Logger
	metrics metrics.Recorder
	newID   func() (uuid.UUID, error)
}

func NewService(tokens TokenSource, gateway Gateway, store transactions.Store, log *slog.Logger, rec metrics.Recorder) *Service {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		tokens:  tokens,
		gateway: gateway,
		store:   store,
		log:     log,
		metrics: rec,
		newID:   uuid.NewRandom,
	}
}

// Submit validates the request, records an Initiated transaction, sends the
// STK push and moves the transaction to Pending (accepted) or Failed.
//
// The transaction is committed before the push goes out so a fast callback can
// always find it. Once the push has been attempted the transaction is never
// left Initiated unless the store itself is unreachable.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*mpesa.STKPushAck, error) {
	phone, err := validate(req)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate correlation id: %w", err)
	}
	correlationID := id.String()

	payload := s.gateway.NewSTKPush(mpesa.STKPushParams{
		MerchantRequestID: correlationID,
		Amount:            req.Amount.String(),
		PhoneNumber:       phone,
		AccountReference:  req.AccountReference,
		Description:       req.Description,
	})

	tx := &transactions.Transaction{
		Type:             transactions.TypeSTKPush,
		Amount:           req.Amount,
		PhoneNumber:      phone,
		AccountReference: req.AccountReference,
		Description:      req.Description,
		CorrelationID:    correlationID,
		Status:           transactions.StatusInitiated,
		RequestPayload:   payload.Redacted(),
	}
	txID, err := s.store.Create(ctx, tx)
	if err != nil {
		s.log.Error("create transaction failed", "merchant_request_id", correlationID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	log := s.log.With("transaction_id", txID, "merchant_request_id", correlationID)
	log.Info("stk push initiated", "amount", req.Amount.String())

	ack, pushErr := s.gateway.Push(ctx, token, payload)

	// The outcome must be recorded even if the caller has gone away.
	writeCtx := context.WithoutCancel(ctx)
	if pushErr != nil {
		s.recordFailure(writeCtx, log, txID, pushErr)
		s.metrics.PaymentSubmitted(string(transactions.StatusFailed))
		return nil, fmt.Errorf("%w: %w", ErrGateway, pushErr)
	}

	s.recordAck(writeCtx, log, txID, ack)
	s.metrics.PaymentSubmitted(string(transactions.StatusPending))
	return ack, nil
}

func (s *Service) recordAck(ctx context.Context, log *slog.Logger, txID string, ack *mpesa.STKPushAck) {
	pending := transactions.StatusPending
	patch := transactions.Patch{
		Expect:           []transactions.Status{transactions.StatusInitiated},
		Status:           &pending,
		GatewayRequestID: &ack.CheckoutRequestID,
		AckPayload:       ack.Raw,
	}
	_, err := s.store.UpdateByID(ctx, txID, patch)

	var mismatch *transactions.StatusMismatchError
	if errors.As(err, &mismatch) {
		// The callback beat the ack; keep its status, add the diagnostics only.
		log.Info("callback arrived before ack", "status", mismatch.Current.Status)
		_, err = s.store.UpdateByID(ctx, txID, transactions.Patch{
			GatewayRequestID: &ack.CheckoutRequestID,
			AckPayload:       ack.Raw,
		})
	}
	if err != nil {
		// The push was accepted; the callback can still settle the record.
		log.Error("record stk push ack failed", "checkout_request_id", ack.CheckoutRequestID, "error", err)
		return
	}
	log.Info("stk push accepted", "checkout_request_id", ack.CheckoutRequestID)
}

func (s *Service) recordFailure(ctx context.Context, log *slog.Logger, txID string, pushErr error) {
	reason := pushErr.Error()
	var snapshot []byte
	var ge *mpesa.GatewayError
	if errors.As(pushErr, &ge) {
		reason = ge.Reason()
		snapshot = ge.Snapshot()
		if ge.Unauthorized() {
			log.Warn("gateway rejected bearer token, invalidating cache")
			s.tokens.Invalidate()
		}
	}

	failed := transactions.StatusFailed
	_, err := s.store.UpdateByID(ctx, txID, transactions.Patch{
		Expect:        []transactions.Status{transactions.StatusInitiated},
		Status:        &failed,
		FailureReason: &reason,
		AckPayload:    snapshot,
	})
	if err != nil {
		log.Error("record stk push failure failed", "reason", reason, "error", err)
		return
	}
	log.Warn("stk push failed", "reason", reason)
}

// Lookup returns the transaction for a MerchantRequestID.
func (s *Service) Lookup(ctx context.Context, correlationID string) (*transactions.Transaction, error) {
	tx, err := s.store.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	return tx, nil
}

func validate(req SubmitRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !req.Amount.IsInteger() {
		return "", fmt.Errorf("%w: amount must be a whole number", ErrValidation)
	}
	if strings.TrimSpace(req.AccountReference) == "" {
		return "", fmt.Errorf("%w: account reference is required", ErrValidation)
	}
	if strings.TrimSpace(req.Description) == "" {
		return "", fmt.Errorf("%w: description is required", ErrValidation)
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrValidation)
	}
	return NormalizePhone(req.PhoneNumber)
}
