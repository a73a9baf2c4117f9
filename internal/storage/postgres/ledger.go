package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

const (
	recordColumns = `id, order_number, order_shipment, operation, amount, tax_amount,
		currency, result, batch_settlement, gateway_label, transaction_reference_id,
		authorization_code, result_code, result_message, shop_code, created_at`

	insertRecordSQL = `INSERT INTO payment_records (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	findRecordsSQL = `SELECT ` + recordColumns + `
	FROM payment_records
	WHERE order_number = $1
		AND ($2 = '' OR order_shipment = $2)
		AND (cardinality($3::text[]) = 0 OR result = ANY($3::text[]))
		AND (cardinality($4::text[]) = 0 OR operation = ANY($4::text[]))
	ORDER BY seq`

	sumRemainingCapturedSQL = `SELECT GREATEST(COALESCE(SUM(
		CASE
			WHEN operation IN ('CAPTURE', 'AUTH_CAPTURE') THEN amount
			WHEN operation IN ('VOID_CAPTURE', 'REFUND') THEN -amount
			ELSE 0
		END), 0), 0)
	FROM payment_records
	WHERE order_number = $1 AND result = 'OK'`

	// Captures the gateway reported as not yet part of a settlement batch.
	unsettledCapturesSQL = `SELECT ` + recordColumns + `
	FROM payment_records
	WHERE result = 'OK'
		AND operation IN ('CAPTURE', 'AUTH_CAPTURE')
		AND batch_settlement = FALSE
		AND created_at < $1
	ORDER BY seq`

	oneAuthIndex   = "payment_records_one_auth_idx"
	uniqueViolated = "23505"
)

var _ payment.Ledger = (*LedgerRepository)(nil)

// LedgerRepository implements payment.Ledger backed by PostgreSQL. Records
// are only ever inserted; the schema rejects updates and deletes.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Append inserts r. A second successful authorization for the same scope is
// rejected with payment.ErrDuplicateRecord.
func (r *LedgerRepository) Append(ctx context.Context, rec *payment.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, insertRecordSQL,
		rec.ID, rec.OrderNumber, rec.OrderShipment, string(rec.Operation),
		rec.Amount, rec.TaxAmount, rec.Currency, string(rec.Result), rec.BatchSettlement,
		rec.GatewayLabel, rec.TransactionReferenceID, rec.AuthorizationCode,
		rec.ResultCode, rec.ResultMessage, rec.ShopCode, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolated && pgErr.ConstraintName == oneAuthIndex {
			return payment.ErrDuplicateRecord
		}
		return fmt.Errorf("appending payment record for order %q: %w", rec.OrderNumber, err)
	}
	return nil
}

// Find returns the records matching q in append order.
func (r *LedgerRepository) Find(ctx context.Context, q payment.Query) ([]payment.Record, error) {
	results := make([]string, 0, len(q.Results))
	for _, s := range q.Results {
		results = append(results, string(s))
	}
	ops := make([]string, 0, len(q.Operations))
	for _, op := range q.Operations {
		ops = append(ops, string(op))
	}

	rows, err := r.pool.Query(ctx, findRecordsSQL, q.OrderNumber, q.Shipment, results, ops)
	if err != nil {
		return nil, fmt.Errorf("finding payment records for order %q: %w", q.OrderNumber, err)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scanning payment records: %w", err)
	}
	return records, nil
}

// SumRemainingCaptured returns the captured amount of the order not yet
// voided or refunded.
func (r *LedgerRepository) SumRemainingCaptured(ctx context.Context, orderNumber string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	if err := r.pool.QueryRow(ctx, sumRemainingCapturedSQL, orderNumber).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("summing captured amount for order %q: %w", orderNumber, err)
	}
	return sum, nil
}

// UnsettledCaptures streams successful captures created before cutoff that
// are not flagged as settled, in append order.
func (r *LedgerRepository) UnsettledCaptures(ctx context.Context, cutoff time.Time, fn func(payment.Record) error) error {
	rows, err := r.pool.Query(ctx, unsettledCapturesSQL, cutoff)
	if err != nil {
		return fmt.Errorf("finding unsettled captures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("scanning unsettled capture: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating unsettled captures: %w", err)
	}
	return nil
}

func scanRecord(row pgx.CollectableRow) (payment.Record, error) {
	var (
		rec       payment.Record
		operation string
		result    string
	)
	err := row.Scan(
		&rec.ID, &rec.OrderNumber, &rec.OrderShipment, &operation, &rec.Amount, &rec.TaxAmount,
		&rec.Currency, &result, &rec.BatchSettlement, &rec.GatewayLabel, &rec.TransactionReferenceID,
		&rec.AuthorizationCode, &rec.ResultCode, &rec.ResultMessage, &rec.ShopCode, &rec.CreatedAt,
	)
	if err != nil {
		return payment.Record{}, err
	}
	rec.Operation = payment.Operation(operation)
	rec.Result = payment.Status(result)
	return rec, nil
}
