package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQL drivers supported by SQLStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound to $n for Postgres.
type SQLStore struct {
	db      *sql.DB
	driver  string
	nowFunc func() time.Time
}

// OpenSQLStore opens dsn with driver and creates the schema if missing.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; also keeps :memory: databases on one connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions(
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			amount TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			account_reference TEXT,
			description TEXT,
			correlation_id TEXT NOT NULL UNIQUE,
			gateway_request_id TEXT,
			status TEXT NOT NULL,
			receipt_id TEXT,
			failure_reason TEXT,
			callback_transaction_date TEXT,
			callback_phone_number TEXT,
			request_payload TEXT,
			ack_payload TEXT,
			callback_payload TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const selectColumns = `id, type, amount, phone_number, account_reference, description,
	correlation_id, gateway_request_id, status, receipt_id, failure_reason,
	callback_transaction_date, callback_phone_number,
	request_payload, ack_payload, callback_payload, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, t *Transaction) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.nowFunc().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	q := `INSERT INTO transactions(
			id, type, amount, phone_number, account_reference, description,
			correlation_id, gateway_request_id, status, receipt_id, failure_reason,
			callback_transaction_date, callback_phone_number,
			request_payload, ack_payload, callback_payload, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(q),
		t.ID, t.Type, t.Amount.String(), t.PhoneNumber,
		nullString(t.AccountReference), nullString(t.Description),
		t.CorrelationID, nullString(t.GatewayRequestID), string(t.Status),
		nullString(t.ReceiptID), nullString(t.FailureReason),
		nullString(t.CallbackTransactionDate), nullString(t.CallbackPhoneNumber),
		nullRaw(t.RequestPayload), nullRaw(t.AckPayload), nullRaw(t.CallbackPayload),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateCorrelation, t.CorrelationID)
		}
		return "", fmt.Errorf("insert transaction: %w", err)
	}
	return t.ID, nil
}

func (s *SQLStore) FindByCorrelationID(ctx context.Context, correlationID string) (*Transaction, error) {
	q := `SELECT ` + selectColumns + ` FROM transactions WHERE correlation_id = ?`
	t, err := scanTransaction(s.db.QueryRowContext(ctx, s.rebind(q), correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by correlation id: %w", err)
	}
	return t, nil
}

// UpdateByID runs one UPDATE ... WHERE id = ? [AND status IN (...)] RETURNING.
// No row back means either the record is missing or the status check failed;
// the follow-up read only classifies the failure, it never decides the write.
func (s *SQLStore) UpdateByID(ctx context.Context, id string, p Patch) (*Transaction, error) {
	now := s.nowFunc().UTC()

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now)}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.GatewayRequestID != nil {
		set("gateway_request_id", *p.GatewayRequestID)
	}
	if p.ReceiptID != nil {
		set("receipt_id", *p.ReceiptID)
	}
	if p.FailureReason != nil {
		set("failure_reason", *p.FailureReason)
	} else if p.ClearFailureReason {
		set("failure_reason", nil)
	}
	if p.CallbackTransactionDate != nil {
		set("callback_transaction_date", *p.CallbackTransactionDate)
	}
	if p.CallbackPhoneNumber != nil {
		set("callback_phone_number", *p.CallbackPhoneNumber)
	}
	if p.AckPayload != nil {
		set("ack_payload", string(p.AckPayload))
	}
	if p.CallbackPayload != nil {
		set("callback_payload", string(p.CallbackPayload))
	}

	q := `UPDATE transactions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(p.Expect) > 0 {
		marks := make([]string, len(p.Expect))
		for i, st := range p.Expect {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` RETURNING ` + selectColumns

	t, err := scanTransaction(s.db.QueryRowContext(ctx, s.rebind(q), args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	current, gerr := scanTransaction(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM transactions WHERE id = ?`), id))
	if errors.Is(gerr, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if gerr != nil {
		return nil, fmt.Errorf("read transaction after failed update: %w", gerr)
	}
	return nil, &StatusMismatchError{Current: current}
}

// rebind turns ? placeholders into $1..$n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanTransaction(scanner interface {
	Scan(dest ...any) error
}) (*Transaction, error) {
	var t Transaction
	var amount, status, createdAt, updatedAt string
	var accountRef, desc, gatewayID, receipt, failure, cbDate, cbPhone sql.NullString
	var reqPayload, ackPayload, cbPayload sql.NullString

	if err := scanner.Scan(
		&t.ID, &t.Type, &amount, &t.PhoneNumber, &accountRef, &desc,
		&t.CorrelationID, &gatewayID, &status, &receipt, &failure,
		&cbDate, &cbPhone,
		&reqPayload, &ackPayload, &cbPayload, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	t.Status = Status(status)
	t.AccountReference = accountRef.String
	t.Description = desc.String
	t.GatewayRequestID = gatewayID.String
	t.ReceiptID = receipt.String
	t.FailureReason = failure.String
	t.CallbackTransactionDate = cbDate.String
	t.CallbackPhoneNumber = cbPhone.String
	t.RequestPayload = rawOrNil(reqPayload.String)
	t.AckPayload = rawOrNil(ackPayload.String)
	t.CallbackPayload = rawOrNil(cbPayload.String)
	return &t, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq reports 23505; sqlite says "UNIQUE constraint failed".
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
