package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

// Every Store implementation must pass these.
func storeImplementations(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"dynamodb": func(t *testing.T) Store {
			return NewDynamoStore(newMockDynamo(), "transactions", "transaction-correlations")
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLStore(DriverSQLite, ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newTx(correlationID string) *Transaction {
	return &Transaction{
		Type:             TypeSTKPush,
		Amount:           decimal.NewFromInt(150),
		PhoneNumber:      "251712345678",
		AccountReference: "INV-1",
		Description:      "Payment",
		CorrelationID:    correlationID,
		Status:           StatusInitiated,
		RequestPayload:   json.RawMessage(`{"Password":"[REDACTED]"}`),
	}
}

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }

func TestStore_CreateAndFind(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			id, err := s.Create(ctx, newTx("corr-1"))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if id == "" {
				t.Fatalf("expected generated id")
			}

			got, err := s.FindByCorrelationID(ctx, "corr-1")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if got == nil || got.ID != id {
				t.Fatalf("expected transaction %s, got %+v", id, got)
			}
			if got.Status != StatusInitiated || !got.Amount.Equal(decimal.NewFromInt(150)) {
				t.Fatalf("unexpected record: %+v", got)
			}
			if string(got.RequestPayload) != `{"Password":"[REDACTED]"}` {
				t.Fatalf("request payload not persisted: %s", got.RequestPayload)
			}
			if got.CreatedAt.IsZero() || !got.CreatedAt.Equal(got.UpdatedAt) {
				t.Fatalf("timestamps not set: %v %v", got.CreatedAt, got.UpdatedAt)
			}
		})
	}
}

func TestStore_FindMissingReturnsNil(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			got, err := newStore(t).FindByCorrelationID(context.Background(), "nope")
			if err != nil || got != nil {
				t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
			}
		})
	}
}

func TestStore_DuplicateCorrelationRejected(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			if _, err := s.Create(ctx, newTx("dup")); err != nil {
				t.Fatalf("first create: %v", err)
			}
			_, err := s.Create(ctx, newTx("dup"))
			if !errors.Is(err, ErrDuplicateCorrelation) {
				t.Fatalf("expected ErrDuplicateCorrelation, got %v", err)
			}
		})
	}
}

func TestStore_UpdateWithExpect(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			id, err := s.Create(ctx, newTx("corr-u"))
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			updated, err := s.UpdateByID(ctx, id, Patch{
				Expect:           []Status{StatusInitiated},
				Status:           statusPtr(StatusPending),
				GatewayRequestID: strPtr("ws_CO_1"),
				AckPayload:       json.RawMessage(`{"ResponseCode":"0"}`),
			})
			if err != nil {
				t.Fatalf("initiated -> pending: %v", err)
			}
			if updated.Status != StatusPending || updated.GatewayRequestID != "ws_CO_1" {
				t.Fatalf("unexpected updated record: %+v", updated)
			}
			if string(updated.AckPayload) != `{"ResponseCode":"0"}` {
				t.Fatalf("ack payload not written: %s", updated.AckPayload)
			}

			// Initiated is no longer the current status.
			_, err = s.UpdateByID(ctx, id, Patch{
				Expect: []Status{StatusInitiated},
				Status: statusPtr(StatusFailed),
			})
			if !errors.Is(err, ErrStatusMismatch) {
				t.Fatalf("expected ErrStatusMismatch, got %v", err)
			}
			var sme *StatusMismatchError
			if !errors.As(err, &sme) || sme.Current.Status != StatusPending {
				t.Fatalf("expected mismatch carrying current Pending record, got %v", err)
			}

			got, _ := s.FindByCorrelationID(ctx, "corr-u")
			if got.Status != StatusPending {
				t.Fatalf("failed conditional update must not write, status=%s", got.Status)
			}
		})
	}
}

func TestStore_UpdateWithoutExpectAndClearFailure(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			tx := newTx("corr-c")
			tx.FailureReason = "earlier"
			id, err := s.Create(ctx, tx)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			updated, err := s.UpdateByID(ctx, id, Patch{
				Status:                  statusPtr(StatusSuccess),
				ReceiptID:               strPtr("RCP123"),
				ClearFailureReason:      true,
				CallbackTransactionDate: strPtr("20250101120000"),
				CallbackPhoneNumber:     strPtr("251712345678"),
				CallbackPayload:         json.RawMessage(`{"Body":{}}`),
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.FailureReason != "" {
				t.Fatalf("expected failure reason cleared, got %q", updated.FailureReason)
			}
			if updated.ReceiptID != "RCP123" || updated.CallbackTransactionDate != "20250101120000" || updated.CallbackPhoneNumber != "251712345678" {
				t.Fatalf("callback fields not written: %+v", updated)
			}
			if updated.PhoneNumber != "251712345678" || updated.CorrelationID != "corr-c" {
				t.Fatalf("untouched fields changed: %+v", updated)
			}
		})
	}
}

func TestStore_UpdateMissingRecord(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(t).UpdateByID(context.Background(), "ghost", Patch{
				Expect: []Status{StatusInitiated},
				Status: statusPtr(StatusPending),
			})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ConcurrentTerminalUpdatesHaveOneWinner(t *testing.T) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			id, err := s.Create(ctx, newTx("corr-race"))
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			const n = 10
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, mismatches := 0, 0
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					next := StatusSuccess
					if i%2 == 1 {
						next = StatusFailed
					}
					_, err := s.UpdateByID(ctx, id, Patch{
						Expect: []Status{StatusInitiated, StatusPending},
						Status: statusPtr(next),
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrStatusMismatch):
						mismatches++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if wins != 1 || mismatches != n-1 {
				t.Fatalf("expected exactly one winner, got wins=%d mismatches=%d", wins, mismatches)
			}
		})
	}
}
