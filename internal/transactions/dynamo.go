package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BiniyamTT/mpesa-api/internal/aws"
)

// transactionItem is the shape persisted in the transactions table.
type transactionItem struct {
	TransactionID    string `dynamodbav:"transaction_id"` // PK
	Type             string `dynamodbav:"type"`
	Amount           string `dynamodbav:"amount"`
	PhoneNumber      string `dynamodbav:"phone_number"`
	AccountReference string `dynamodbav:"account_reference,omitempty"`
	Description      string `dynamodbav:"description,omitempty"`
	CorrelationID    string `dynamodbav:"correlation_id"`
	GatewayRequestID string `dynamodbav:"gateway_request_id,omitempty"`
	Status           string `dynamodbav:"status"`
	ReceiptID        string `dynamodbav:"receipt_id,omitempty"`
	FailureReason    string `dynamodbav:"failure_reason,omitempty"`

	CallbackTransactionDate string `dynamodbav:"callback_transaction_date,omitempty"`
	CallbackPhoneNumber     string `dynamodbav:"callback_phone_number,omitempty"`

	// payload snapshots as JSON strings
	RequestPayload  string `dynamodbav:"request_payload,omitempty"`
	AckPayload      string `dynamodbav:"ack_payload,omitempty"`
	CallbackPayload string `dynamodbav:"callback_payload,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// correlationItem maps a MerchantRequestID to its transaction. It lives in its
// own table so the lookup is a strongly consistent GetItem and uniqueness is
// enforced by a condition on its key.
type correlationItem struct {
	CorrelationID string    `dynamodbav:"correlation_id"` // PK
	TransactionID string    `dynamodbav:"transaction_id"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
}

// DynamoStore implements Store on two DynamoDB tables.
type DynamoStore struct {
	client           aws.DynamoDBAPI
	tableName        string
	correlationTable string
	nowFunc          func() time.Time
}

// NewDynamoStore returns a DynamoStore. tableName holds transactions keyed by
// transaction_id; correlationTable holds correlation_id -> transaction_id.
func NewDynamoStore(client aws.DynamoDBAPI, tableName, correlationTable string) *DynamoStore {
	return &DynamoStore{
		client:           client,
		tableName:        tableName,
		correlationTable: correlationTable,
		nowFunc:          time.Now,
	}
}

// Create writes the correlation entry and the transaction in one TransactWriteItems.
func (s *DynamoStore) Create(ctx context.Context, t *Transaction) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.nowFunc().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	txMap, err := attributevalue.MarshalMap(toItem(t))
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	corrMap, err := attributevalue.MarshalMap(correlationItem{
		CorrelationID: t.CorrelationID,
		TransactionID: t.ID,
		CreatedAt:     now,
	})
	if err != nil {
		return "", fmt.Errorf("marshal correlation: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.correlationTable,
				Item:                corrMap,
				ConditionExpression: awsString("attribute_not_exists(correlation_id)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                txMap,
				ConditionExpression: awsString("attribute_not_exists(transaction_id)"),
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 0 &&
			tce.CancellationReasons[0].Code != nil && *tce.CancellationReasons[0].Code == "ConditionalCheckFailed" {
			return "", fmt.Errorf("%w: %s", ErrDuplicateCorrelation, t.CorrelationID)
		}
		return "", fmt.Errorf("transact write: %w", err)
	}
	return t.ID, nil
}

// FindByCorrelationID resolves the correlation entry, then the transaction.
// Both reads are strongly consistent so a callback racing the create still
// sees a committed record. Returns (nil, nil) if not found.
func (s *DynamoStore) FindByCorrelationID(ctx context.Context, correlationID string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.correlationTable,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"correlation_id": &types.AttributeValueMemberS{Value: correlationID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get correlation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var corr correlationItem
	if err := attributevalue.UnmarshalMap(out.Item, &corr); err != nil {
		return nil, fmt.Errorf("unmarshal correlation: %w", err)
	}

	t, err := s.get(ctx, corr.TransactionID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("correlation %s points at transaction %s: %w", correlationID, corr.TransactionID, ErrNotFound)
	}
	return t, nil
}

func (s *DynamoStore) get(ctx context.Context, id string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: awsBool(true),
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalTransaction(out.Item)
}

// UpdateByID issues a single UpdateItem. Patch.Expect becomes part of the
// ConditionExpression; on a failed condition the old item comes back with the
// error, so no extra read is needed to report the current state.
func (s *DynamoStore) UpdateByID(ctx context.Context, id string, p Patch) (*Transaction, error) {
	now := s.nowFunc().UTC()

	sets := []string{"updated_at = :ua"}
	var removes []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	set := func(attr, placeholder, v string) {
		sets = append(sets, attr+" = "+placeholder)
		values[placeholder] = &types.AttributeValueMemberS{Value: v}
	}

	if p.Status != nil {
		names["#s"] = "status"
		set("#s", ":status", string(*p.Status))
	}
	if p.GatewayRequestID != nil {
		set("gateway_request_id", ":grid", *p.GatewayRequestID)
	}
	if p.ReceiptID != nil {
		set("receipt_id", ":rid", *p.ReceiptID)
	}
	if p.FailureReason != nil {
		set("failure_reason", ":fr", *p.FailureReason)
	} else if p.ClearFailureReason {
		removes = append(removes, "failure_reason")
	}
	if p.CallbackTransactionDate != nil {
		set("callback_transaction_date", ":ctd", *p.CallbackTransactionDate)
	}
	if p.CallbackPhoneNumber != nil {
		set("callback_phone_number", ":cpn", *p.CallbackPhoneNumber)
	}
	if p.AckPayload != nil {
		set("ack_payload", ":ack", string(p.AckPayload))
	}
	if p.CallbackPayload != nil {
		set("callback_payload", ":cb", string(p.CallbackPayload))
	}

	updateExpr := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		updateExpr += " REMOVE " + strings.Join(removes, ", ")
	}

	cond := "attribute_exists(transaction_id)"
	if len(p.Expect) > 0 {
		names["#s"] = "status"
		placeholders := make([]string, len(p.Expect))
		for i, st := range p.Expect {
			placeholders[i] = fmt.Sprintf(":e%d", i)
			values[placeholders[i]] = &types.AttributeValueMemberS{Value: string(st)}
		}
		cond += " AND #s IN (" + strings.Join(placeholders, ", ") + ")"
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:                    &updateExpr,
		ConditionExpression:                 &cond,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			current, uerr := unmarshalTransaction(ccf.Item)
			if uerr != nil {
				return nil, uerr
			}
			return nil, &StatusMismatchError{Current: current}
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			return nil, fmt.Errorf("%w: %s", ErrStatusMismatch, id)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return unmarshalTransaction(out.Attributes)
}

func toItem(t *Transaction) transactionItem {
	return transactionItem{
		TransactionID:           t.ID,
		Type:                    t.Type,
		Amount:                  t.Amount.String(),
		PhoneNumber:             t.PhoneNumber,
		AccountReference:        t.AccountReference,
		Description:             t.Description,
		CorrelationID:           t.CorrelationID,
		GatewayRequestID:        t.GatewayRequestID,
		Status:                  string(t.Status),
		ReceiptID:               t.ReceiptID,
		FailureReason:           t.FailureReason,
		CallbackTransactionDate: t.CallbackTransactionDate,
		CallbackPhoneNumber:     t.CallbackPhoneNumber,
		RequestPayload:          string(t.RequestPayload),
		AckPayload:              string(t.AckPayload),
		CallbackPayload:         string(t.CallbackPayload),
		CreatedAt:               t.CreatedAt,
		UpdatedAt:               t.UpdatedAt,
	}
}

func unmarshalTransaction(item map[string]types.AttributeValue) (*Transaction, error) {
	var it transactionItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	amount, err := decimal.NewFromString(it.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: invalid amount %q: %w", it.TransactionID, it.Amount, err)
	}
	return &Transaction{
		ID:                      it.TransactionID,
		Type:                    it.Type,
		Amount:                  amount,
		PhoneNumber:             it.PhoneNumber,
		AccountReference:        it.AccountReference,
		Description:             it.Description,
		CorrelationID:           it.CorrelationID,
		GatewayRequestID:        it.GatewayRequestID,
		Status:                  Status(it.Status),
		ReceiptID:               it.ReceiptID,
		FailureReason:           it.FailureReason,
		CallbackTransactionDate: it.CallbackTransactionDate,
		CallbackPhoneNumber:     it.CallbackPhoneNumber,
		RequestPayload:          rawOrNil(it.RequestPayload),
		AckPayload:              rawOrNil(it.AckPayload),
		CallbackPayload:         rawOrNil(it.CallbackPayload),
		CreatedAt:               it.CreatedAt,
		UpdatedAt:               it.UpdatedAt,
	}, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
