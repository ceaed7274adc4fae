package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// TransactionTypePayBill is the STK push transaction type for pay-bill short codes.
	TransactionTypePayBill = "CustomerPayBillOnline"

	timestampLayout = "20060102150405"
	redacted        = "[REDACTED]"
)

// eat is East Africa Time, the zone the gateway validates timestamps in.
var eat = time.FixedZone("EAT", 3*60*60)

// ClientConfig holds the merchant settings embedded in every STK push.
type ClientConfig struct {
	BaseURL     string
	STKPushPath string
	ShortCode   string
	Passkey     string
	CallbackURL string
}

// Client submits STK push requests.
type Client struct {
	http    *http.Client
	cfg     ClientConfig
	nowFunc func() time.Time
}

func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	return &Client{
		http:    httpClient,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

type ReferenceItem struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// STKPushRequest is the outbound payload. MerchantRequestID is ours and is
// echoed back in the asynchronous callback.
type STKPushRequest struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	BusinessShortCode string          `json:"BusinessShortCode"`
	Password          string          `json:"Password"`
	Timestamp         string          `json:"Timestamp"`
	TransactionType   string          `json:"TransactionType"`
	Amount            string          `json:"Amount"`
	PartyA            string          `json:"PartyA"`
	PartyB            string          `json:"PartyB"`
	PhoneNumber       string          `json:"PhoneNumber"`
	CallBackURL       string          `json:"CallBackURL"`
	AccountReference  string          `json:"AccountReference"`
	TransactionDesc   string          `json:"TransactionDesc"`
	ReferenceData     []ReferenceItem `json:"ReferenceData,omitempty"`
}

// Redacted returns the payload as JSON with the password masked, for audit storage.
func (r STKPushRequest) Redacted() json.RawMessage {
	r.Password = redacted
	b, _ := json.Marshal(r)
	return b
}

// STKPushParams are the per-payment values of an STK push.
type STKPushParams struct {
	MerchantRequestID string
	Amount            string
	PhoneNumber       string
	AccountReference  string
	Description       string
}

// NewSTKPush fills in the merchant fields, timestamp and password.
func (c *Client) NewSTKPush(p STKPushParams) STKPushRequest {
	ts := Timestamp(c.nowFunc())
	return STKPushRequest{
		MerchantRequestID: p.MerchantRequestID,
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionTypePayBill,
		Amount:            p.Amount,
		PartyA:            p.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       p.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  p.AccountReference,
		TransactionDesc:   p.Description,
		ReferenceData: []ReferenceItem{
			{Key: "ThirdPartyReference", Value: p.AccountReference},
		},
	}
}

// STKPushAck is the gateway's synchronous acceptance.
type STKPushAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	Raw json.RawMessage `json:"-"`
}

type errorBody struct {
	RequestID           string `json:"requestId"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Push sends one STK push. Anything but a 2xx with ResponseCode "0" is a *GatewayError.
func (c *Client) Push(ctx context.Context, token string, payload STKPushRequest) (*STKPushAck, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.STKPushPath, bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &GatewayError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newGatewayError(resp.StatusCode, raw)
	}

	var ack STKPushAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode ack: %w", err)}
	}
	if ack.ResponseCode != "0" {
		return nil, newGatewayError(resp.StatusCode, raw)
	}
	ack.Raw = raw
	return &ack, nil
}

func newGatewayError(status int, raw []byte) *GatewayError {
	ge := &GatewayError{StatusCode: status}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		ge.RequestID = eb.RequestID
		ge.ErrorCode = eb.ErrorCode
		ge.ErrorMessage = eb.ErrorMessage
		ge.ResponseCode = eb.ResponseCode
		ge.ResponseDescription = eb.ResponseDescription
		ge.CustomerMessage = eb.CustomerMessage
		ge.Body = raw
	}
	return ge
}

// Timestamp formats t the way the gateway expects (yyyyMMddHHmmss, EAT).
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is base64(shortCode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
