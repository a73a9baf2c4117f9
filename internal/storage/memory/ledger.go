// Package memory implements an in-process payment ledger.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

var _ payment.Ledger = (*Ledger)(nil)

// Ledger keeps records in append order. It enforces the same uniqueness
// rule as the postgres ledger: one OK AUTH or AUTH_CAPTURE per scope.
type Ledger struct {
	mu      sync.RWMutex
	records []payment.Record
	now     func() time.Time
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Append stores a copy of r. ID and CreatedAt are assigned when empty.
func (l *Ledger) Append(_ context.Context, r *payment.Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.OrderNumber == "" {
		return errors.New("record without order number")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if isUniqueAuth(r) {
		for i := range l.records {
			e := &l.records[i]
			if isUniqueAuth(e) &&
				e.Operation == r.Operation &&
				e.OrderNumber == r.OrderNumber &&
				e.OrderShipment == r.OrderShipment {
				return payment.ErrDuplicateRecord
			}
		}
	}

	rec := *r
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	l.records = append(l.records, rec)
	return nil
}

// Find returns the records matching q in append order.
func (l *Ledger) Find(_ context.Context, q payment.Query) ([]payment.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []payment.Record
	for i := range l.records {
		if q.Match(&l.records[i]) {
			out = append(out, l.records[i])
		}
	}
	return out, nil
}

// SumRemainingCaptured implements payment.Ledger.
func (l *Ledger) SumRemainingCaptured(ctx context.Context, orderNumber string) (decimal.Decimal, error) {
	records, err := l.Find(ctx, payment.Query{OrderNumber: orderNumber})
	if err != nil {
		return decimal.Zero, err
	}
	return payment.RemainingCaptured(records), nil
}

// Records returns a snapshot of every record in append order.
func (l *Ledger) Records() []payment.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

func isUniqueAuth(r *payment.Record) bool {
	return r.Result == payment.StatusOK &&
		(r.Operation == payment.OpAuth || r.Operation == payment.OpAuthCapture)
}
