package payment

import (
	"context"

	"github.com/go-faster/errors"
)

// Reconciler derives the open subset of the ledger for an order scope.
// It only reads the ledger, so calling it twice without an append in
// between yields identical results.
type Reconciler struct {
	ledger Ledger
}

// NewReconciler creates a Reconciler reading from ledger.
func NewReconciler(ledger Ledger) *Reconciler {
	return &Reconciler{ledger: ledger}
}

// OpenAuthorizations returns successful authorizations that have not been
// captured or reversed. An empty shipment selects the whole order.
func (r *Reconciler) OpenAuthorizations(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	auths, err := r.ledger.Find(ctx, Query{
		OrderNumber: orderNumber,
		Shipment:    shipment,
		Results:     []Status{StatusOK},
		Operations:  []Operation{OpAuth},
	})
	if err != nil {
		return nil, errors.Wrap(err, "find authorizations")
	}
	if len(auths) == 0 {
		return auths, nil
	}

	settled, err := r.ledger.Find(ctx, Query{
		OrderNumber: orderNumber,
		Shipment:    shipment,
		Results:     []Status{StatusOK, StatusProcessing},
		Operations:  []Operation{OpCapture, OpReverseAuth},
	})
	if err != nil {
		return nil, errors.Wrap(err, "find captures and reversals")
	}

	return filterOutAlreadyProcessed(auths, settled), nil
}

// OpenCaptures returns captured funds that have not been voided or refunded.
// Captures still PROCESSING count as captured unless a later attempt for the
// same scope and amount failed. An empty shipment selects the whole order.
func (r *Reconciler) OpenCaptures(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	captureOps := []Operation{OpCapture, OpAuthCapture}

	captured, err := r.ledger.Find(ctx, Query{
		OrderNumber: orderNumber,
		Shipment:    shipment,
		Results:     []Status{StatusOK},
		Operations:  captureOps,
	})
	if err != nil {
		return nil, errors.Wrap(err, "find captures")
	}

	processing, err := r.ledger.Find(ctx, Query{
		OrderNumber: orderNumber,
		Shipment:    shipment,
		Results:     []Status{StatusProcessing},
		Operations:  captureOps,
	})
	if err != nil {
		return nil, errors.Wrap(err, "find processing captures")
	}

	if len(processing) > 0 {
		failed, err := r.ledger.Find(ctx, Query{
			OrderNumber: orderNumber,
			Shipment:    shipment,
			Results:     []Status{StatusFailed, StatusManualProcessingRequired},
			Operations:  captureOps,
		})
		if err != nil {
			return nil, errors.Wrap(err, "find failed captures")
		}

		processing = filterOutAlreadyProcessed(processing, captured)
		processing = filterOutAlreadyProcessed(processing, failed)
		captured = append(captured, processing...)
	}

	if len(captured) == 0 {
		return captured, nil
	}

	rolledBack, err := r.ledger.Find(ctx, Query{
		OrderNumber: orderNumber,
		Shipment:    shipment,
		Results:     []Status{StatusOK},
		Operations:  []Operation{OpVoidCapture, OpRefund},
	})
	if err != nil {
		return nil, errors.Wrap(err, "find voids and refunds")
	}

	return filterOutAlreadyProcessed(captured, rolledBack), nil
}

// filterOutAlreadyProcessed removes from candidates every record matched by
// a processed record on (order, shipment, amount). Matching is greedy and
// one-for-one: each processed record consumes the first unmatched candidate
// it equals, so two identical candidates need two processed records.
// Candidate order is preserved. Neither input slice is modified.
func filterOutAlreadyProcessed(candidates, processed []Record) []Record {
	used := make([]bool, len(processed))
	open := make([]Record, 0, len(candidates))

	for _, c := range candidates {
		matched := false
		for i := range processed {
			if used[i] || !sameScopeAndAmount(c, processed[i]) {
				continue
			}
			used[i] = true
			matched = true
			break
		}
		if !matched {
			open = append(open, c)
		}
	}
	return open
}

func sameScopeAndAmount(a, b Record) bool {
	return a.OrderNumber == b.OrderNumber &&
		a.OrderShipment == b.OrderShipment &&
		a.Amount.Equal(b.Amount)
}
