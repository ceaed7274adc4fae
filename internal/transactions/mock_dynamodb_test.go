package transactions

import (
	"context"
	"errors"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo understands just enough of the expression grammar used by
// DynamoStore: SET a = :v, REMOVE a, attribute_not_exists/attribute_exists
// on the key and "#s IN (...)". Items are stored as table -> pk -> item.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	// optional hook to inject failures
	updateErr error
	transacts int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) ensureTable(tbl string) {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
}

func keyOf(item map[string]types.AttributeValue) (string, error) {
	for _, k := range []string{"transaction_id", "correlation_id"} {
		if v, ok := item[k]; ok {
			// transaction items also carry correlation_id; transaction_id wins
			return v.(*types.AttributeValueMemberS).Value, nil
		}
	}
	return "", errors.New("no primary key in item")
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	m.tables[table][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	table := *params.TableName
	m.ensureTable(table)
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	values := params.ExpressionAttributeValues
	names := params.ExpressionAttributeNames

	existing, exists := m.tables[table][pk]
	if params.ConditionExpression != nil && !m.conditionHolds(*params.ConditionExpression, existing, exists, names, values) {
		ccf := &types.ConditionalCheckFailedException{}
		if exists && params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = copyItem(existing)
		}
		return nil, ccf
	}

	item := copyItem(existing)
	if item == nil {
		item = map[string]types.AttributeValue{}
	}
	item["transaction_id"] = params.Key["transaction_id"]

	setPart, removePart := *params.UpdateExpression, ""
	if i := strings.Index(setPart, " REMOVE "); i >= 0 {
		setPart, removePart = setPart[:i], setPart[i+len(" REMOVE "):]
	}
	setPart = strings.TrimPrefix(setPart, "SET ")
	for _, clause := range strings.Split(setPart, ",") {
		parts := strings.SplitN(strings.TrimSpace(clause), " = ", 2)
		if len(parts) != 2 {
			return nil, errors.New("unsupported set clause: " + clause)
		}
		attr := resolveName(parts[0], names)
		v, ok := values[parts[1]]
		if !ok {
			return nil, errors.New("missing value for " + parts[1])
		}
		item[attr] = v
	}
	if removePart != "" {
		for _, attr := range strings.Split(removePart, ",") {
			delete(item, resolveName(strings.TrimSpace(attr), names))
		}
	}

	m.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *mockDynamo) conditionHolds(cond string, item map[string]types.AttributeValue, exists bool, names map[string]string, values map[string]types.AttributeValue) bool {
	for _, part := range strings.Split(cond, " AND ") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "attribute_exists("):
			if !exists {
				return false
			}
		case strings.HasPrefix(part, "attribute_not_exists("):
			if exists {
				return false
			}
		case strings.Contains(part, " IN ("):
			attr := resolveName(part[:strings.Index(part, " IN (")], names)
			list := strings.TrimSuffix(part[strings.Index(part, "(")+1:], ")")
			curr, ok := item[attr].(*types.AttributeValueMemberS)
			if !ok {
				return false
			}
			matched := false
			for _, ph := range strings.Split(list, ",") {
				if want, ok := values[strings.TrimSpace(ph)].(*types.AttributeValueMemberS); ok && want.Value == curr.Value {
					matched = true
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}

func resolveName(attr string, names map[string]string) string {
	if n, ok := names[attr]; ok {
		return n
	}
	return attr
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transacts++

	// First pass: verify conditions, reporting a reason per item like the real API.
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, it := range params.TransactItems {
		none := "None"
		reasons[i] = types.CancellationReason{Code: &none}
		p := it.Put
		if p == nil || p.ConditionExpression == nil {
			continue
		}
		table := *p.TableName
		m.ensureTable(table)
		pk, err := putKey(*p.ConditionExpression, p.Item)
		if err != nil {
			return nil, err
		}
		if _, exists := m.tables[table][pk]; exists {
			code := "ConditionalCheckFailed"
			reasons[i] = types.CancellationReason{Code: &code}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// Second pass: apply all puts
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			table := *p.TableName
			m.ensureTable(table)
			pk, err := putKey(derefOr(p.ConditionExpression), p.Item)
			if err != nil {
				return nil, err
			}
			m.tables[table][pk] = copyItem(p.Item)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// putKey picks the key named in attribute_not_exists(...), falling back to keyOf.
func putKey(cond string, item map[string]types.AttributeValue) (string, error) {
	if strings.HasPrefix(cond, "attribute_not_exists(") {
		attr := strings.TrimSuffix(strings.TrimPrefix(cond, "attribute_not_exists("), ")")
		if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	return keyOf(item)
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
