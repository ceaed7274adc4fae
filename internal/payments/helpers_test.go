package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BiniyamTT/mpesa-api/internal/mpesa"
	"github.com/BiniyamTT/mpesa-api/internal/transactions"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *transactions.SQLStore {
	t.Helper()
	s, err := transactions.OpenSQLStore(transactions.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeTokens struct {
	token       string
	err         error
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) Invalidate() { f.invalidated.Add(1) }

// fakeGateway records pushes; push decides the response.
type fakeGateway struct {
	mu     sync.Mutex
	pushes []mpesa.STKPushRequest
	tokens []string
	push   func(ctx context.Context, payload mpesa.STKPushRequest) (*mpesa.STKPushAck, error)
}

func (g *fakeGateway) NewSTKPush(p mpesa.STKPushParams) mpesa.STKPushRequest {
	return mpesa.STKPushRequest{
		MerchantRequestID: p.MerchantRequestID,
		BusinessShortCode: "1020",
		Password:          "secret-password",
		Timestamp:         "20250101120000",
		TransactionType:   mpesa.TransactionTypePayBill,
		Amount:            p.Amount,
		PartyA:            p.PhoneNumber,
		PartyB:            "1020",
		PhoneNumber:       p.PhoneNumber,
		CallBackURL:       "https://example.test/mpesa/callback/stk",
		AccountReference:  p.AccountReference,
		TransactionDesc:   p.Description,
	}
}

func (g *fakeGateway) Push(ctx context.Context, token string, payload mpesa.STKPushRequest) (*mpesa.STKPushAck, error) {
	g.mu.Lock()
	g.pushes = append(g.pushes, payload)
	g.tokens = append(g.tokens, token)
	g.mu.Unlock()
	if g.push != nil {
		return g.push(ctx, payload)
	}
	return accepted(payload), nil
}

func accepted(payload mpesa.STKPushRequest) *mpesa.STKPushAck {
	raw := fmt.Sprintf(`{"MerchantRequestID":%q,"CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`, payload.MerchantRequestID)
	return &mpesa.STKPushAck{
		MerchantRequestID:   payload.MerchantRequestID,
		CheckoutRequestID:   "ws_CO_1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
		Raw:                 []byte(raw),
	}
}

// flakyStore fails selected operations and otherwise delegates.
type flakyStore struct {
	transactions.Store
	createErr error
	findErr   error
	updateErr error
}

func (s *flakyStore) Create(ctx context.Context, t *transactions.Transaction) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.Store.Create(ctx, t)
}

func (s *flakyStore) FindByCorrelationID(ctx context.Context, id string) (*transactions.Transaction, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindByCorrelationID(ctx, id)
}

func (s *flakyStore) UpdateByID(ctx context.Context, id string, p transactions.Patch) (*transactions.Transaction, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.Store.UpdateByID(ctx, id, p)
}

var errStoreDown = errors.New("connection refused")

func successCallback(correlationID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": %q,
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.00},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "TransactionDate", "Value": 20250101120512},
						{"Name": "PhoneNumber", "Value": 251712345678}
					]
				}
			}
		}
	}`, correlationID, receipt))
}

func failedCallback(correlationID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": %q,
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, correlationID))
}
