// Package payment drives the financial lifecycle of an order against a
// payment gateway and keeps an append-only ledger of every attempt.
//
// The Processor turns authorize, capture-on-shipment, cancel and refund
// notification requests into gateway calls. Every call, successful or not,
// appends exactly one Record to the Ledger. The Reconciler replays the
// ledger to find the records that are still open (authorizations not yet
// captured or reversed, captures not yet voided or refunded).
package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
)

// MoneyScale is the number of decimal places amounts are rounded to.
const MoneyScale = 2

// Operation is a gateway transaction operation.
type Operation string

// Transaction operations.
const (
	OpAuth         Operation = "AUTH"
	OpCapture      Operation = "CAPTURE"
	OpAuthCapture  Operation = "AUTH_CAPTURE"
	OpVoidCapture  Operation = "VOID_CAPTURE"
	OpRefund       Operation = "REFUND"
	OpReverseAuth  Operation = "REVERSE_AUTH"
	OpRefundNotify Operation = "REFUND_NOTIFY"
	OpUnknown      Operation = ""
)

// ParseOperation returns the Operation named by s, or OpUnknown.
func ParseOperation(s string) Operation {
	switch op := Operation(s); op {
	case OpAuth, OpCapture, OpAuthCapture, OpVoidCapture, OpRefund, OpReverseAuth, OpRefundNotify:
		return op
	default:
		return OpUnknown
	}
}

// Status is the processor result of a single attempt, and also the aggregate
// result of an orchestration call (OK, PROCESSING or FAILED only).
type Status string

// Processor results.
const (
	StatusOK                       Status = "OK"
	StatusProcessing               Status = "PROCESSING"
	StatusFailed                   Status = "FAILED"
	StatusManualProcessingRequired Status = "MANUAL_PROCESSING_REQUIRED"
)

// Line is a single line of a payment request: a product line or the
// shipment line of a delivery.
type Line struct {
	SKU       string
	Name      string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	TaxAmount decimal.Decimal
	Shipment  bool
}

// Payment is a transient request sent to a gateway and the result the
// gateway returns for it. It is built, sent and converted into a Record
// within one orchestration call.
type Payment struct {
	OrderNumber   string
	OrderShipment string
	OrderDate     time.Time
	Operation     Operation

	Amount    decimal.Decimal
	TaxAmount decimal.Decimal
	Currency  string
	Locale    string
	Lines     []Line

	BillingAddress  *order.Address
	ShippingAddress *order.Address
	BillingEmail    string

	// CardHolderName and ShopperIP are populated from request parameters by
	// gateways that need them.
	CardHolderName string
	ShopperIP      string

	GatewayLabel           string
	TransactionReferenceID string
	AuthorizationCode      string

	Result          Status
	BatchSettlement bool
	ResultCode      string
	ResultMessage   string
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	c := *p
	c.Lines = append([]Line(nil), p.Lines...)
	if p.BillingAddress != nil {
		a := *p.BillingAddress
		c.BillingAddress = &a
	}
	if p.ShippingAddress != nil {
		a := *p.ShippingAddress
		c.ShippingAddress = &a
	}
	return &c
}

// fail marks p as failed with the given message.
func (p *Payment) fail(msg string) {
	p.Result = StatusFailed
	p.BatchSettlement = false
	p.ResultMessage = msg
}

// Record is an immutable ledger entry describing one attempt.
type Record struct {
	ID            string
	OrderNumber   string
	OrderShipment string
	Operation     Operation

	Amount    decimal.Decimal
	TaxAmount decimal.Decimal
	Currency  string

	Result          Status
	BatchSettlement bool

	GatewayLabel           string
	TransactionReferenceID string
	AuthorizationCode      string
	ResultCode             string
	ResultMessage          string

	ShopCode  string
	CreatedAt time.Time
}

// newRecord converts a gateway result into a ledger record.
func newRecord(p *Payment, result Status, shopCode string) *Record {
	return &Record{
		OrderNumber:            p.OrderNumber,
		OrderShipment:          p.OrderShipment,
		Operation:              p.Operation,
		Amount:                 p.Amount,
		TaxAmount:              p.TaxAmount,
		Currency:               p.Currency,
		Result:                 result,
		BatchSettlement:        p.BatchSettlement,
		GatewayLabel:           p.GatewayLabel,
		TransactionReferenceID: p.TransactionReferenceID,
		AuthorizationCode:      p.AuthorizationCode,
		ResultCode:             p.ResultCode,
		ResultMessage:          p.ResultMessage,
		ShopCode:               shopCode,
	}
}

// paymentFromRecord rebuilds a gateway request from a previously recorded
// attempt, used for follow-up operations (capture, void, refund, reversal).
func paymentFromRecord(r Record) *Payment {
	return &Payment{
		OrderNumber:            r.OrderNumber,
		OrderShipment:          r.OrderShipment,
		Operation:              r.Operation,
		Amount:                 r.Amount,
		TaxAmount:              r.TaxAmount,
		Currency:               r.Currency,
		GatewayLabel:           r.GatewayLabel,
		TransactionReferenceID: r.TransactionReferenceID,
		AuthorizationCode:      r.AuthorizationCode,
		Result:                 r.Result,
		BatchSettlement:        r.BatchSettlement,
		ResultCode:             r.ResultCode,
		ResultMessage:          r.ResultMessage,
	}
}

// roundMoney rounds d half-up to MoneyScale.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}
