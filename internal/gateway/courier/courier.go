// Package courier implements an offline payment gateway for cash or card
// on delivery. No money moves through it: every operation only records the
// intent so the courier can collect the payment.
package courier

import (
	"context"

	"github.com/google/uuid"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

// DefaultLabel is the gateway label used when none is configured.
const DefaultLabel = "courierPaymentGateway"

// Request parameters copied into the payment prototype.
const (
	ParamCardHolderName = "ccHolderName"
	ParamClientIP       = "clientIp"
)

var _ payment.Gateway = (*Gateway)(nil)

// Gateway is the courier payment gateway.
type Gateway struct {
	label string
}

// New creates a courier gateway. An empty label selects DefaultLabel.
func New(label string) *Gateway {
	if label == "" {
		label = DefaultLabel
	}
	return &Gateway{label: label}
}

// Label implements payment.Gateway.
func (g *Gateway) Label() string { return g.label }

// Features implements payment.Gateway.
func (g *Gateway) Features() payment.Features {
	return payment.Features{
		Authorize:            true,
		AuthorizeCapture:     true,
		ReverseAuthorization: true,
		Capture:              true,
		Void:                 true,
		Refund:               true,
	}
}

// CreatePaymentPrototype implements payment.Gateway.
func (g *Gateway) CreatePaymentPrototype(_ context.Context, _ payment.Operation, params map[string]string) (*payment.Payment, error) {
	return &payment.Payment{
		CardHolderName: params[ParamCardHolderName],
		ShopperIP:      params[ParamClientIP],
	}, nil
}

// Authorize implements payment.Gateway.
func (g *Gateway) Authorize(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpAuth, payment.StatusOK, false), nil
}

// ReverseAuthorization implements payment.Gateway.
func (g *Gateway) ReverseAuthorization(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpReverseAuth, payment.StatusOK, false), nil
}

// Capture implements payment.Gateway. The courier collected the money, so
// the capture is settled.
func (g *Gateway) Capture(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpCapture, payment.StatusOK, true), nil
}

// AuthorizeCapture implements payment.Gateway.
func (g *Gateway) AuthorizeCapture(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpAuthCapture, payment.StatusManualProcessingRequired, false), nil
}

// VoidCapture implements payment.Gateway. Cash in hand cannot be voided
// automatically.
func (g *Gateway) VoidCapture(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpVoidCapture, payment.StatusManualProcessingRequired, false), nil
}

// Refund implements payment.Gateway.
func (g *Gateway) Refund(_ context.Context, p *payment.Payment, _ bool) (*payment.Payment, error) {
	return g.run(p, payment.OpRefund, payment.StatusOK, false), nil
}

// PreProcess implements payment.Gateway. The courier gateway is not
// callback aware.
func (g *Gateway) PreProcess(context.Context, *payment.Payment, *payment.Callback, payment.Operation) error {
	return nil
}

// PostProcess implements payment.Gateway.
func (g *Gateway) PostProcess(context.Context, *payment.Payment, *payment.Callback, payment.Operation) error {
	return nil
}

func (g *Gateway) run(in *payment.Payment, op payment.Operation, result payment.Status, settled bool) *payment.Payment {
	p := in.Clone()
	p.Operation = op
	p.GatewayLabel = g.label
	p.TransactionReferenceID = uuid.New().String()
	p.AuthorizationCode = uuid.New().String()
	p.Result = result
	p.BatchSettlement = settled
	p.ResultCode = ""
	p.ResultMessage = ""
	return p
}
