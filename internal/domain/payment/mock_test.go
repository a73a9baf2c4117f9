package payment_test

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
)

// --- Mock implementations ---

// outcome scripts one gateway call.
type outcome struct {
	status  payment.Status
	settled bool
	err     error
	panic   bool
}

type gatewayCall struct {
	op       payment.Operation
	shipment string
	amount   decimal.Decimal
}

type mockGateway struct {
	mu       sync.Mutex
	features payment.Features
	script   map[payment.Operation][]outcome
	calls    []gatewayCall
	hooks    []string
	hookErr  error
}

func newMockGateway(f payment.Features) *mockGateway {
	return &mockGateway{features: f, script: make(map[payment.Operation][]outcome)}
}

// then queues outcomes for op. Unscripted calls succeed.
func (m *mockGateway) then(op payment.Operation, outs ...outcome) *mockGateway {
	m.script[op] = append(m.script[op], outs...)
	return m
}

func (m *mockGateway) Label() string              { return "mock" }
func (m *mockGateway) Features() payment.Features { return m.features }

func (m *mockGateway) CreatePaymentPrototype(_ context.Context, _ payment.Operation, params map[string]string) (*payment.Payment, error) {
	return &payment.Payment{CardHolderName: params["ccHolderName"]}, nil
}

func (m *mockGateway) Authorize(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpAuth, p)
}

func (m *mockGateway) AuthorizeCapture(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpAuthCapture, p)
}

func (m *mockGateway) Capture(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpCapture, p)
}

func (m *mockGateway) VoidCapture(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpVoidCapture, p)
}

func (m *mockGateway) Refund(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpRefund, p)
}

func (m *mockGateway) ReverseAuthorization(ctx context.Context, p *payment.Payment, force bool) (*payment.Payment, error) {
	return m.do(payment.OpReverseAuth, p)
}

func (m *mockGateway) PreProcess(_ context.Context, _ *payment.Payment, _ *payment.Callback, op payment.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, "pre:"+string(op))
	return m.hookErr
}

func (m *mockGateway) PostProcess(_ context.Context, _ *payment.Payment, _ *payment.Callback, op payment.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, "post:"+string(op))
	return nil
}

func (m *mockGateway) do(op payment.Operation, p *payment.Payment) (*payment.Payment, error) {
	m.mu.Lock()
	m.calls = append(m.calls, gatewayCall{op: op, shipment: p.OrderShipment, amount: p.Amount})
	out := outcome{status: payment.StatusOK, settled: op == payment.OpCapture}
	if q := m.script[op]; len(q) > 0 {
		out, m.script[op] = q[0], q[1:]
	}
	m.mu.Unlock()

	if out.panic {
		panic("acquirer exploded")
	}
	if out.err != nil {
		return nil, out.err
	}
	p.Operation = op
	p.Result = out.status
	p.BatchSettlement = out.settled
	p.TransactionReferenceID = uuid.New().String()
	return p, nil
}

func (m *mockGateway) callsFor(op payment.Operation) []gatewayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gatewayCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type mockLocker struct {
	err  error
	keys []string
}

func (m *mockLocker) Lock(_ context.Context, key string) (func(), error) {
	m.keys = append(m.keys, key)
	if m.err != nil {
		return nil, m.err
	}
	return func() {}, nil
}

type failingLedger struct {
	payment.Ledger
	err error
}

func (f *failingLedger) Append(context.Context, *payment.Record) error { return f.err }

var errDeclined = errors.New("card declined")

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func line(sku, qty, gross, net string) order.Line {
	return order.Line{SKU: sku, Name: sku, Quantity: d(qty), GrossPrice: d(gross), NetPrice: d(net)}
}

func delivery(number, shipGross, shipNet string, lines ...order.Line) order.Delivery {
	return order.Delivery{
		Number:     number,
		CarrierSLA: &order.CarrierSLA{ID: "SLA-" + number, Name: "Standard"},
		GrossPrice: d(shipGross),
		NetPrice:   d(shipNet),
		Lines:      lines,
	}
}

// twoDeliveryOrder totals 150.00: 45 + 5 shipping and 90 + 10 shipping.
func twoDeliveryOrder() *order.Order {
	l1 := line("SKU-1", "1", "45", "37.50")
	l2 := line("SKU-2", "2", "45", "37.50")
	return &order.Order{
		Number:     "O-100",
		ShopCode:   "SHOP",
		Status:     order.StatusPending,
		Currency:   "EUR",
		Locale:     "en",
		Email:      "buyer@example.com",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Total:      d("150.00"),
		TotalTax:   d("25.00"),
		GrossPrice: d("135.00"),
		Lines:      []order.Line{l1, l2},
		Deliveries: []order.Delivery{
			delivery("D-1", "5", "5", l1),
			delivery("D-2", "10", "10", l2),
		},
		BillingAddress: &order.Address{FirstName: "Jane", LastName: "Doe", CountryCode: "DE"},
	}
}

// threeDeliveryOrder totals 60.00 across three 20.00 deliveries.
func threeDeliveryOrder() *order.Order {
	l := line("SKU-1", "1", "15", "15")
	return &order.Order{
		Number:     "O-300",
		ShopCode:   "SHOP",
		Status:     order.StatusPending,
		Currency:   "EUR",
		Total:      d("60.00"),
		TotalTax:   d("0"),
		GrossPrice: d("45.00"),
		Lines:      []order.Line{l, l, l},
		Deliveries: []order.Delivery{
			delivery("D-1", "5", "5", l),
			delivery("D-2", "5", "5", l),
			delivery("D-3", "5", "5", l),
		},
	}
}

// promoOrder has an order level promotion: list subtotal 120.00, gross
// subtotal 100.00, total 99.99.
func promoOrder() *order.Order {
	return &order.Order{
		Number:       "O-200",
		ShopCode:     "SHOP",
		Status:       order.StatusPending,
		Currency:     "EUR",
		Total:        d("99.99"),
		TotalTax:     d("16.66"),
		GrossPrice:   d("100.00"),
		PromoApplied: true,
		Lines: []order.Line{
			line("SKU-1", "1", "60", "50"),
			line("SKU-2", "1", "60", "50"),
		},
		Deliveries: []order.Delivery{
			delivery("D-1", "5", "5", line("SKU-1", "1", "50", "50")),
			delivery("D-2", "5", "5", line("SKU-2", "1", "50", "50")),
		},
	}
}

func perShipment() payment.Features {
	return payment.Features{
		Authorize:            true,
		AuthorizeCapture:     true,
		ReverseAuthorization: true,
		AuthorizePerShipment: true,
		Capture:              true,
		Void:                 true,
		Refund:               true,
		Online:               true,
	}
}

func singlePayment() payment.Features {
	f := perShipment()
	f.AuthorizePerShipment = false
	return f
}

func recordsFor(records []payment.Record, op payment.Operation) []payment.Record {
	var out []payment.Record
	for _, r := range records {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}
