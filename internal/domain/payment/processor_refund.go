package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/order"
)

// CancelOrder releases everything the order still holds: open
// authorizations are reversed, settled captures refunded and unsettled
// captures voided. Refunds are capped by the remaining captured amount of
// the order, so earlier partial refunds are not refunded twice.
func (p *Processor) CancelOrder(
	ctx context.Context,
	o *order.Order,
	forceProcessing bool,
	params Params,
) (_ Status, rerr error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	ctx, span := p.start(ctx, "CancelOrder", o.Number)
	defer func() { endSpan(span, rerr) }()

	if o.IsClosed() {
		p.lg.Warn("Cannot refund closed order",
			zap.String("order", o.Number),
			zap.String("status", string(o.Status)),
		)
		return StatusFailed, nil
	}

	unlock, err := p.lock(ctx, o.Number)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	status, err := p.reverseAuthorizations(ctx, o.Number, forceProcessing)
	if err != nil {
		return StatusFailed, err
	}

	remainder, err := p.ledger.SumRemainingCaptured(ctx, o.Number)
	if err != nil {
		return StatusFailed, errors.Wrap(err, "sum remaining captured")
	}
	open, err := p.reconciler.OpenCaptures(ctx, o.Number, "")
	if err != nil {
		return StatusFailed, err
	}

	forced := params.ForceAutoProcessingOperation
	if forced != OpUnknown && !params.ForceManualProcessing {
		p.lg.Warn("Forcing refund/void operation",
			zap.String("order", o.Number),
			zap.String("operation", string(forced)),
		)
	}

	for _, capture := range open {
		req := paymentFromRecord(capture)
		// A refund or void is never a settlement.
		req.BatchSettlement = false

		refund := capture.BatchSettlement
		if forced != OpUnknown {
			refund = forced == OpRefund
		}
		if refund {
			req.Operation = OpRefund
			req.Amount, remainder = consume(req.Amount, remainder)
		} else {
			req.Operation = OpVoidCapture
		}

		var res *Payment
		switch {
		case params.ForceManualProcessing:
			res = manualResult(req, params.ForceManualProcessingMessage)
		case refund:
			res = p.attempt(ctx, req, p.withCallback(p.gateway.Refund, params.Callback, OpRefund), forceProcessing)
		default:
			res = p.attempt(ctx, req, p.withCallback(p.gateway.VoidCapture, params.Callback, OpVoidCapture), forceProcessing)
		}
		if err := p.record(ctx, res, capture.ShopCode); err != nil {
			return StatusFailed, err
		}
		if res.Result != StatusOK {
			status = StatusFailed
		}
	}
	return status, nil
}

// RefundNotification records a refund reported by the gateway out of band.
//
// The reported amount is capped by the remaining captured amount of the
// order; nothing is recorded when none remains. It is then matched against
// open captures: a capture of exactly that amount is preferred, otherwise
// captures are consumed in order until the amount is exhausted. No gateway
// operation is sent; each consumed capture gets an OK REFUND (settled) or
// VOID_CAPTURE (unsettled) record.
func (p *Processor) RefundNotification(
	ctx context.Context,
	o *order.Order,
	forceProcessing bool,
	params Params,
) (_ Status, rerr error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	ctx, span := p.start(ctx, "RefundNotification", o.Number)
	defer func() { endSpan(span, rerr) }()

	amount := decimal.Zero
	switch {
	case params.Callback != nil:
		amount = params.Callback.Amount
	case params.RefundAmount.Valid:
		amount = params.RefundAmount.Decimal
	}
	amount = roundMoney(amount)
	if !amount.IsPositive() {
		p.lg.Warn("Refund notification amount is invalid",
			zap.String("order", o.Number),
			zap.Stringer("amount", amount),
		)
		return StatusFailed, nil
	}

	unlock, err := p.lock(ctx, o.Number)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	remainder, err := p.ledger.SumRemainingCaptured(ctx, o.Number)
	if err != nil {
		return StatusFailed, errors.Wrap(err, "sum remaining captured")
	}
	if !remainder.IsPositive() {
		p.lg.Warn("Refund notification for order without remaining captured funds",
			zap.String("order", o.Number),
			zap.Stringer("amount", amount),
		)
		return StatusFailed, nil
	}
	if amount.GreaterThan(remainder) {
		p.lg.Warn("Refund notification exceeds remaining captured funds, capping",
			zap.String("order", o.Number),
			zap.Stringer("amount", amount),
			zap.Stringer("remaining", remainder),
		)
		amount = remainder
	}

	open, err := p.reconciler.OpenCaptures(ctx, o.Number, "")
	if err != nil {
		return StatusFailed, err
	}

	selected := open
	for _, capture := range open {
		if capture.Amount.Equal(amount) {
			selected = []Record{capture}
		}
	}
	if len(selected) == 0 {
		p.lg.Warn("Refund notification has no open captures",
			zap.String("order", o.Number),
			zap.Stringer("amount", amount),
		)
		return StatusFailed, nil
	}

	message := "Refund notification received for " + amount.StringFixed(MoneyScale)
	notify := p.withCallback(acknowledge, params.Callback, OpRefundNotify)

	status := StatusOK
	rem := amount
	for _, capture := range selected {
		req := paymentFromRecord(capture)
		req.BatchSettlement = false
		req.Operation = OpVoidCapture
		if capture.BatchSettlement {
			req.Operation = OpRefund
		}
		req.ResultMessage = message
		req.Amount, rem = consume(req.Amount, rem)

		res := p.attempt(ctx, req, notify, forceProcessing)
		if err := p.record(ctx, res, capture.ShopCode); err != nil {
			return StatusFailed, err
		}
		if res.Result != StatusOK {
			status = StatusFailed
		}
		if !rem.IsPositive() {
			break
		}
	}
	return status, nil
}

// acknowledge accepts a notified operation as is.
func acknowledge(_ context.Context, p *Payment, _ bool) (*Payment, error) {
	p.Result = StatusOK
	return p, nil
}

// withCallback wraps call with the gateway callback hooks when the gateway is
// callback aware.
func (p *Processor) withCallback(call gatewayCall, cb *Callback, op Operation) gatewayCall {
	if !p.gateway.Features().CallbackAware {
		return call
	}
	return func(ctx context.Context, pay *Payment, forceProcessing bool) (*Payment, error) {
		if err := p.gateway.PreProcess(ctx, pay, cb, op); err != nil {
			return nil, errors.Wrap(err, "pre-process callback")
		}
		res, err := call(ctx, pay, forceProcessing)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		if err := p.gateway.PostProcess(ctx, res, cb, op); err != nil {
			return nil, errors.Wrap(err, "post-process callback")
		}
		return res, nil
	}
}

// consume takes amount out of remainder, capped at what remains.
// It returns the amount taken and the new remainder, never negative.
func consume(amount, remainder decimal.Decimal) (taken, left decimal.Decimal) {
	if amount.GreaterThanOrEqual(remainder) {
		if remainder.IsNegative() {
			return decimal.Zero, decimal.Zero
		}
		return remainder, decimal.Zero
	}
	return amount, remainder.Sub(amount)
}
