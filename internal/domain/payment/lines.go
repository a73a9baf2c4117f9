package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
)

const (
	noSLAID   = "N/A"
	noSLAName = "No SLA"

	// discountRatioScale is the precision of the order level promotion ratio.
	discountRatioScale = 10
)

// PaymentsToAuthorize builds the payment requests needed to authorize o
// with operation op (AUTH or AUTH_CAPTURE).
//
// In single payment mode (forced, or the gateway cannot authorize per
// shipment) at most one request for the whole order total is built. Otherwise
// one request per delivery is built, the last delivery taking the remainder
// of the order total so that all requests add up to it exactly.
//
// Scopes that already have a successful record for op are skipped.
func (p *Processor) PaymentsToAuthorize(
	ctx context.Context,
	o *order.Order,
	forceSinglePayment bool,
	params Params,
	op Operation,
) ([]*Payment, error) {
	if o == nil {
		return nil, ErrOrderRequired
	}

	proto, err := p.gateway.CreatePaymentPrototype(ctx, op, params.Gateway)
	if err != nil {
		return nil, errors.Wrap(err, "create payment prototype")
	}
	template := fillPrototype(o, proto, op, p.gateway.Label())

	if forceSinglePayment || !p.gateway.Features().AuthorizePerShipment {
		existing, err := p.ledger.Find(ctx, Query{
			OrderNumber: o.Number,
			Results:     []Status{StatusOK},
			Operations:  []Operation{op},
		})
		if err != nil {
			return nil, errors.Wrap(err, "find existing payments")
		}
		if len(existing) > 0 {
			return nil, nil
		}

		pay := template.Clone()
		for i := range o.Deliveries {
			fillPayment(o, &o.Deliveries[i], pay, true, decimal.Zero, decimal.Zero, i == len(o.Deliveries)-1)
		}
		if len(o.Deliveries) == 0 {
			// Nothing to itemize, the amount is still the order total.
			pay.OrderShipment = o.Number
			fillAmount(o, pay, true, decimal.Zero, decimal.Zero, true)
		}
		return []*Payment{pay}, nil
	}

	var (
		payments        []*Payment
		runningTotal    = decimal.Zero
		runningTotalTax = decimal.Zero
	)
	for i := range o.Deliveries {
		d := &o.Deliveries[i]
		existing, err := p.ledger.Find(ctx, Query{
			OrderNumber: o.Number,
			Shipment:    d.Number,
			Results:     []Status{StatusOK},
			Operations:  []Operation{op},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "find existing payments for delivery %s", d.Number)
		}
		if len(existing) > 0 {
			for _, r := range existing {
				runningTotal = runningTotal.Add(r.Amount)
				runningTotalTax = runningTotalTax.Add(r.TaxAmount)
			}
			continue
		}

		pay := template.Clone()
		amount, tax := fillPayment(o, d, pay, false, runningTotal, runningTotalTax, i == len(o.Deliveries)-1)
		runningTotal = runningTotal.Add(amount)
		runningTotalTax = runningTotalTax.Add(tax)
		payments = append(payments, pay)
	}
	return payments, nil
}

// fillPrototype copies order level data into the gateway prototype.
func fillPrototype(o *order.Order, proto *Payment, op Operation, label string) *Payment {
	if proto == nil {
		proto = &Payment{}
	}
	if o.BillingAddress != nil {
		a := *o.BillingAddress
		proto.BillingAddress = &a
	}
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		proto.ShippingAddress = &a
	}
	proto.BillingEmail = o.Email
	proto.OrderDate = o.CreatedAt
	proto.Currency = o.Currency
	proto.Locale = o.Locale
	proto.OrderNumber = o.Number
	proto.Operation = op
	proto.GatewayLabel = label
	return proto
}

// fillPayment adds the lines of delivery d to pay and sets its scope and
// amount. It returns the amount and tax assigned to pay.
func fillPayment(
	o *order.Order,
	d *order.Delivery,
	pay *Payment,
	singlePay bool,
	runningTotal, runningTotalTax decimal.Decimal,
	lastDelivery bool,
) (decimal.Decimal, decimal.Decimal) {
	if pay.TransactionReferenceID == "" {
		// Gateways may assign their own reference in the prototype.
		pay.TransactionReferenceID = d.Number
	}
	if singlePay {
		pay.OrderShipment = o.Number
	} else {
		pay.OrderShipment = d.Number
	}

	fillItems(d, pay)
	fillShipment(d, pay)
	return fillAmount(o, pay, singlePay, runningTotal, runningTotalTax, lastDelivery)
}

func fillItems(d *order.Delivery, pay *Payment) {
	for _, l := range d.Lines {
		pay.Lines = append(pay.Lines, Line{
			SKU:       l.SKU,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.GrossPrice,
			TaxAmount: l.GrossPrice.Sub(l.NetPrice).Mul(l.Quantity),
		})
	}
}

func fillShipment(d *order.Delivery, pay *Payment) {
	id, name := noSLAID, noSLAName
	if d.CarrierSLA != nil {
		id = d.CarrierSLA.ID
		name = d.CarrierSLA.Name
	}
	pay.Lines = append(pay.Lines, Line{
		SKU:       id,
		Name:      name,
		Quantity:  decimal.NewFromInt(1),
		UnitPrice: d.GrossPrice,
		TaxAmount: d.GrossPrice.Sub(d.NetPrice),
		Shipment:  true,
	})
}

// fillAmount computes the amount and tax of pay.
//
// Single payment: the order totals. Last delivery: the order totals minus
// what previous requests already took, which absorbs rounding. Other
// deliveries: the sum of their lines, with the item part scaled by the
// order level promotion ratio when one was applied.
func fillAmount(
	o *order.Order,
	pay *Payment,
	singlePay bool,
	runningTotal, runningTotalTax decimal.Decimal,
	lastDelivery bool,
) (decimal.Decimal, decimal.Decimal) {
	var amount, tax decimal.Decimal

	switch {
	case singlePay:
		amount = o.Total
		tax = o.TotalTax
	case lastDelivery:
		amount = o.Total.Sub(runningTotal)
		tax = o.TotalTax.Sub(runningTotalTax)
	default:
		var itemsOnly, itemsOnlyTax, shippingOnly, shippingOnlyTax decimal.Decimal
		for _, l := range pay.Lines {
			if l.Shipment {
				// Shipping price already includes shipping promotions.
				shippingOnly = shippingOnly.Add(roundMoney(l.UnitPrice))
				shippingOnlyTax = shippingOnlyTax.Add(roundMoney(l.TaxAmount))
				continue
			}
			// Unit price already includes item promotions.
			itemsOnly = itemsOnly.Add(roundMoney(l.Quantity.Mul(l.UnitPrice)))
			itemsOnlyTax = itemsOnlyTax.Add(l.TaxAmount)
		}

		amount = itemsOnly.Add(shippingOnly)
		tax = itemsOnlyTax.Add(shippingOnlyTax)

		if o.PromoApplied {
			keep := decimal.NewFromInt(1).Sub(orderDiscountRatio(o))
			amount = roundMoney(itemsOnly.Mul(keep)).Add(shippingOnly)
			tax = roundMoney(itemsOnlyTax.Mul(keep)).Add(shippingOnlyTax)
		}
	}

	pay.Amount = amount
	pay.TaxAmount = tax
	pay.Currency = o.Currency
	pay.Locale = o.Locale
	return amount, tax
}

// orderDiscountRatio returns the share of the items subtotal removed by
// order level promotions. The subtotal uses the sale price of order lines,
// not catalog list prices, because promotions apply to sale prices.
func orderDiscountRatio(o *order.Order) decimal.Decimal {
	subtotal := decimal.Zero
	for _, l := range o.Lines {
		subtotal = subtotal.Add(roundMoney(l.Quantity.Mul(l.GrossPrice)))
	}
	if subtotal.IsZero() {
		return decimal.Zero
	}
	return subtotal.Sub(o.GrossPrice).DivRound(subtotal, discountRatioScale)
}
