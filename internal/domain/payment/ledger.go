package payment

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateRecord is returned by a Ledger when an append would create
	// a second successful authorization for the same scope.
	ErrDuplicateRecord = errors.New("duplicate payment record")
	// ErrLeaseNotObtained is returned when the per-order lease is held by
	// another caller.
	ErrLeaseNotObtained = errors.New("payment lease not obtained")
)

// Query selects ledger records. An empty Shipment matches every shipment of
// the order; empty Results or Operations match any value.
type Query struct {
	OrderNumber string
	Shipment    string
	Results     []Status
	Operations  []Operation
}

// Match reports whether r satisfies q.
func (q Query) Match(r *Record) bool {
	if r.OrderNumber != q.OrderNumber {
		return false
	}
	if q.Shipment != "" && r.OrderShipment != q.Shipment {
		return false
	}
	if len(q.Results) > 0 && !slices.Contains(q.Results, r.Result) {
		return false
	}
	if len(q.Operations) > 0 && !slices.Contains(q.Operations, r.Operation) {
		return false
	}
	return true
}

// Ledger is the append-only store of payment attempts.
//
// Implementations must return records from Find in append order and must
// never update or delete a record.
type Ledger interface {
	Append(ctx context.Context, r *Record) error
	Find(ctx context.Context, q Query) ([]Record, error)
	// SumRemainingCaptured returns the captured amount of the order that has
	// not been voided or refunded yet, never negative.
	SumRemainingCaptured(ctx context.Context, orderNumber string) (decimal.Decimal, error)
}

// Locker serializes orchestration per key. Lock blocks until the lease is
// obtained, the context is done or the implementation gives up with
// ErrLeaseNotObtained.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RemainingCaptured computes the remaining captured amount from a set of
// records. Ledger implementations without server side aggregation use it.
func RemainingCaptured(records []Record) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		if r.Result != StatusOK {
			continue
		}
		switch r.Operation {
		case OpCapture, OpAuthCapture:
			sum = sum.Add(r.Amount)
		case OpVoidCapture, OpRefund:
			sum = sum.Sub(r.Amount)
		}
	}
	if sum.IsNegative() {
		return decimal.Zero
	}
	return sum
}
