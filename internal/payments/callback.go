package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedCallback means the payload lacks the stkCallback container or
// the fields needed to match it to a transaction.
var ErrMalformedCallback = errors.New("malformed stk callback")

// Metadata item names sent on successful callbacks.
const (
	MetaReceiptNumber   = "MpesaReceiptNumber"
	MetaTransactionDate = "TransactionDate"
	MetaPhoneNumber     = "PhoneNumber"
	MetaAmount          = "Amount"
)

// Callback is a parsed STK push result.
type Callback struct {
	CorrelationID     string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          map[string]string
}

// Succeeded reports whether the customer completed the payment.
func (c *Callback) Succeeded() bool { return c.ResultCode == 0 }

type callbackEnvelope struct {
	Body *struct {
		STKCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes {"Body":{"stkCallback":{...}}}. ResultCode may arrive
// as a number or a numeric string.
func ParseCallback(raw []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	stk := env.Body.STKCallback
	if strings.TrimSpace(stk.MerchantRequestID) == "" {
		return nil, fmt.Errorf("%w: missing MerchantRequestID", ErrMalformedCallback)
	}
	code, err := parseResultCode(stk.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := &Callback{
		CorrelationID:     stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        stk.ResultDesc,
		Metadata:          map[string]string{},
	}
	if stk.CallbackMetadata != nil {
		for _, it := range stk.CallbackMetadata.Item {
			if it.Name != "" {
				cb.Metadata[it.Name] = scalar(it.Value)
			}
		}
	}
	return cb, nil
}

func parseResultCode(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing ResultCode")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("ResultCode: %w", err)
		}
	} else {
		s = string(raw)
	}
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("ResultCode %s is not an integer", raw)
	}
	return code, nil
}

// scalar renders a metadata value as text: strings unquoted, numbers verbatim.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return string(raw)
}
