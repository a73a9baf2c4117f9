package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Features is the fixed capability descriptor of a gateway. A gateway
// declares it once at construction time and the Processor branches on it.
type Features struct {
	Authorize            bool
	AuthorizeCapture     bool
	ReverseAuthorization bool
	AuthorizePerShipment bool
	Capture              bool
	Void                 bool
	Refund               bool
	// Online gateways redirect the customer or talk to a remote acquirer;
	// offline ones (cash on delivery, invoice) only record intent.
	Online bool
	// CallbackAware gateways need PreProcess/PostProcess around refund, void
	// and refund notification handling.
	CallbackAware bool
}

// String implements fmt.Stringer for log output.
func (f Features) String() string {
	var b strings.Builder
	flag := func(name string, v bool) {
		if !v {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
	}
	flag("auth", f.Authorize)
	flag("auth_capture", f.AuthorizeCapture)
	flag("reverse_auth", f.ReverseAuthorization)
	flag("auth_per_shipment", f.AuthorizePerShipment)
	flag("capture", f.Capture)
	flag("void", f.Void)
	flag("refund", f.Refund)
	flag("online", f.Online)
	flag("callback", f.CallbackAware)
	return "[" + b.String() + "]"
}

// Callback is the opaque context of an inbound gateway notification. It is
// passed through to PreProcess/PostProcess hooks of callback aware gateways.
type Callback struct {
	Operation Operation
	Amount    decimal.Decimal
	Params    map[string]string
}

// Gateway executes payment operations against an external provider.
//
// Operation methods return the resulting payment with Result set. A returned
// error means the attempt failed; the Processor records it as FAILED and
// never lets it escape the attempt.
type Gateway interface {
	Label() string
	Features() Features

	// CreatePaymentPrototype returns a template payment for the given
	// operation, populated from gateway specific request parameters.
	CreatePaymentPrototype(ctx context.Context, op Operation, params map[string]string) (*Payment, error)

	Authorize(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)
	AuthorizeCapture(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)
	Capture(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)
	VoidCapture(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)
	Refund(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)
	ReverseAuthorization(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)

	// PreProcess and PostProcess are only invoked when Features reports
	// CallbackAware.
	PreProcess(ctx context.Context, p *Payment, cb *Callback, op Operation) error
	PostProcess(ctx context.Context, p *Payment, cb *Callback, op Operation) error
}

// ConfigError reports a gateway whose capabilities cannot serve a request.
// It indicates a deployment mistake and is the only failure the Processor
// returns as an error instead of a FAILED status.
type ConfigError struct {
	Gateway string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("payment gateway %s %s", e.Gateway, e.Reason)
}
