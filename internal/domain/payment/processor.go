package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/pkg/keymutex"
)

const (
	instrumentationName = "github.com/xenking/kart-payments/internal/domain/payment"

	// ManualProcessingLabel marks records written by an operator override
	// instead of a gateway call.
	ManualProcessingLabel = "forceManualProcessing"

	msgSkipped = "skipped due to previous errors"
)

// ErrOrderRequired is returned when an orchestration call gets a nil order.
var ErrOrderRequired = errors.New("order is required")

// Params carries per-request options of an orchestration call.
type Params struct {
	// Gateway holds gateway specific request parameters passed to
	// CreatePaymentPrototype (card holder name, client IP and so on).
	Gateway map[string]string

	// ForceManualProcessing records synthetic OK results instead of calling
	// the gateway, for payments completed out of band.
	ForceManualProcessing        bool
	ForceManualProcessingMessage string
	// ForceAutoProcessingOperation overrides the settled/unsettled choice
	// on cancel: REFUND refunds every open capture, anything else voids.
	ForceAutoProcessingOperation Operation
	// ForceAddToEveryPaymentAmount is added to every capture amount on
	// shipment completion.
	ForceAddToEveryPaymentAmount decimal.NullDecimal

	// RefundAmount is the reported refund of a refund notification when no
	// Callback is present.
	RefundAmount decimal.NullDecimal
	Callback     *Callback
}

// Orchestrator is the public surface of the payment lifecycle.
type Orchestrator interface {
	Authorize(ctx context.Context, o *order.Order, forceSinglePayment, forceProcessing bool, params Params) (Status, error)
	ShipmentComplete(ctx context.Context, o *order.Order, shipment string, forceProcessing bool, params Params) (Status, error)
	CancelOrder(ctx context.Context, o *order.Order, forceProcessing bool, params Params) (Status, error)
	RefundNotification(ctx context.Context, o *order.Order, forceProcessing bool, params Params) (Status, error)
	ReverseAuthorizations(ctx context.Context, orderNumber string, forceProcessing bool) (Status, error)
	OpenAuthorizations(ctx context.Context, orderNumber, shipment string) ([]Record, error)
	OpenCaptures(ctx context.Context, orderNumber, shipment string) ([]Record, error)
}

var _ Orchestrator = (*Processor)(nil)

// Processor runs orchestration calls against one gateway.
//
// Gateway failures never escape a single attempt: they are recorded as
// FAILED and folded into the aggregate status. Errors returned by Processor
// methods are hard failures only: a *ConfigError, a ledger failure or a
// lease that could not be obtained.
type Processor struct {
	gateway    Gateway
	ledger     Ledger
	reconciler *Reconciler
	locker     Locker

	lg       *zap.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(lg *zap.Logger) Option {
	return func(p *Processor) { p.lg = lg }
}

// WithTracerProvider sets the tracer provider used for orchestration spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider used for the attempt counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Processor) {
		p.attempts = newAttemptCounter(mp)
	}
}

// WithLocker sets the per-order lease. Defaults to an in-process keyed mutex.
func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor for gateway recording into ledger.
func NewProcessor(gateway Gateway, ledger Ledger, opts ...Option) *Processor {
	p := &Processor{
		gateway:    gateway,
		ledger:     ledger,
		reconciler: NewReconciler(ledger),
		locker:     keymutex.New(),
		lg:         zap.NewNop(),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		attempts:   newAttemptCounter(otel.GetMeterProvider()),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func newAttemptCounter(mp metric.MeterProvider) metric.Int64Counter {
	c, err := mp.Meter(instrumentationName).Int64Counter("payment.attempts",
		metric.WithDescription("Payment attempts by operation and result"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// Gateway returns the gateway the processor drives.
func (p *Processor) Gateway() Gateway { return p.gateway }

// Authorize reserves funds for o. See Orchestrator.
//
// Requests are sent one by one. After the first failure the remaining
// requests are recorded as FAILED without a gateway call and every open
// authorization of the order is reversed.
func (p *Processor) Authorize(
	ctx context.Context,
	o *order.Order,
	forceSinglePayment, forceProcessing bool,
	params Params,
) (_ Status, rerr error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	ctx, span := p.start(ctx, "Authorize", o.Number)
	defer func() { endSpan(span, rerr) }()

	features := p.gateway.Features()
	if !features.Authorize {
		if features.AuthorizeCapture {
			return p.authorizeCapture(ctx, o, forceSinglePayment, forceProcessing, params)
		}
		return StatusFailed, &ConfigError{
			Gateway: p.gateway.Label(),
			Reason:  "must support either authorize or authorize-capture operations",
		}
	}

	unlock, err := p.lock(ctx, o.Number)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	payments, err := p.PaymentsToAuthorize(ctx, o, forceSinglePayment, params, OpAuth)
	if err != nil {
		return StatusFailed, errors.Wrap(err, "build payments")
	}

	var processing, failed bool
	for _, req := range payments {
		var res *Payment
		if failed {
			res = req.Clone()
			res.fail(msgSkipped)
			p.lg.Warn("Authorization skipped",
				zap.String("order", res.OrderNumber),
				zap.String("shipment", res.OrderShipment),
			)
		} else {
			res = p.attempt(ctx, req, p.gateway.Authorize, forceProcessing)
		}
		if err := p.record(ctx, res, o.ShopCode); err != nil {
			return StatusFailed, err
		}

		switch res.Result {
		case StatusOK:
		case StatusProcessing:
			processing = true
		default:
			failed = true
		}
	}

	if failed {
		p.lg.Warn("Authorization failed, reversing open authorizations", zap.String("order", o.Number))
		if _, err := p.reverseAuthorizations(ctx, o.Number, forceProcessing); err != nil {
			return StatusFailed, err
		}
		return StatusFailed, nil
	}
	if processing {
		return StatusProcessing, nil
	}
	return StatusOK, nil
}

// authorizeCapture reserves and charges funds in one call per request.
// Every request is attempted and nothing is compensated: a partial success
// is reported as PROCESSING so the order waits for manual resolution.
func (p *Processor) authorizeCapture(
	ctx context.Context,
	o *order.Order,
	forceSinglePayment, forceProcessing bool,
	params Params,
) (Status, error) {
	unlock, err := p.lock(ctx, o.Number)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	payments, err := p.PaymentsToAuthorize(ctx, o, forceSinglePayment, params, OpAuthCapture)
	if err != nil {
		return StatusFailed, errors.Wrap(err, "build payments")
	}

	var ok, processing, failed bool
	for _, req := range payments {
		res := p.attempt(ctx, req, p.gateway.AuthorizeCapture, forceProcessing)
		if err := p.record(ctx, res, o.ShopCode); err != nil {
			return StatusFailed, err
		}

		switch res.Result {
		case StatusOK:
			ok = true
		case StatusProcessing:
			processing = true
		default:
			failed = true
		}
	}

	switch {
	case failed && ok:
		return StatusProcessing, nil
	case failed:
		return StatusFailed, nil
	case processing:
		return StatusProcessing, nil
	default:
		return StatusOK, nil
	}
}

// ReverseAuthorizations releases every open authorization of the order.
// It is a no-op returning OK for gateways without reverse authorization.
func (p *Processor) ReverseAuthorizations(ctx context.Context, orderNumber string, forceProcessing bool) (_ Status, rerr error) {
	ctx, span := p.start(ctx, "ReverseAuthorizations", orderNumber)
	defer func() { endSpan(span, rerr) }()

	unlock, err := p.lock(ctx, orderNumber)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	return p.reverseAuthorizations(ctx, orderNumber, forceProcessing)
}

func (p *Processor) reverseAuthorizations(ctx context.Context, orderNumber string, forceProcessing bool) (Status, error) {
	if !p.gateway.Features().ReverseAuthorization {
		return StatusOK, nil
	}

	open, err := p.reconciler.OpenAuthorizations(ctx, orderNumber, "")
	if err != nil {
		return StatusFailed, err
	}

	status := StatusOK
	for _, auth := range open {
		req := paymentFromRecord(auth)
		req.Operation = OpReverseAuth

		res := p.attempt(ctx, req, p.gateway.ReverseAuthorization, forceProcessing)
		if err := p.record(ctx, res, auth.ShopCode); err != nil {
			return StatusFailed, err
		}
		if res.Result != StatusOK {
			status = StatusFailed
		}
	}
	return status, nil
}

// ShipmentComplete captures the open authorizations covering shipment.
// Gateways that authorize per shipment capture that shipment only; others
// capture the whole order on the first completed shipment and find nothing
// open afterwards.
func (p *Processor) ShipmentComplete(
	ctx context.Context,
	o *order.Order,
	shipment string,
	forceProcessing bool,
	params Params,
) (_ Status, rerr error) {
	if o == nil {
		return StatusFailed, ErrOrderRequired
	}
	ctx, span := p.start(ctx, "ShipmentComplete", o.Number)
	defer func() { endSpan(span, rerr) }()

	features := p.gateway.Features()
	if !features.Authorize {
		return StatusOK, nil
	}

	unlock, err := p.lock(ctx, o.Number)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	scope := o.Number
	if features.AuthorizePerShipment {
		scope = shipment
	}
	toCapture, err := p.reconciler.OpenAuthorizations(ctx, o.Number, scope)
	if err != nil {
		return StatusFailed, err
	}

	lg := p.lg.With(
		zap.String("order", o.Number),
		zap.String("shipment", shipment),
		zap.String("gateway", p.gateway.Label()),
		zap.Stringer("features", features),
	)
	lg.Info("Capturing funds")
	switch n := len(toCapture); {
	case n > 1:
		lg.Warn("More than one open authorization to capture", zap.Int("count", n))
	case n == 0:
		lg.Debug("No open authorizations to capture, possibly captured already")
	}

	status := StatusOK
	for _, auth := range toCapture {
		req := paymentFromRecord(auth)
		req.Operation = OpCapture
		if add := params.ForceAddToEveryPaymentAmount; add.Valid {
			req.Amount = roundMoney(req.Amount.Add(add.Decimal))
		}

		var res *Payment
		if params.ForceManualProcessing {
			res = manualResult(req, params.ForceManualProcessingMessage)
			res.BatchSettlement = true
		} else {
			res = p.attempt(ctx, req, p.gateway.Capture, forceProcessing)
		}
		if err := p.record(ctx, res, auth.ShopCode); err != nil {
			return StatusFailed, err
		}
		if res.Result != StatusOK {
			status = StatusFailed
		}
	}
	return status, nil
}

// OpenAuthorizations returns authorizations not yet captured or reversed.
func (p *Processor) OpenAuthorizations(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	return p.reconciler.OpenAuthorizations(ctx, orderNumber, shipment)
}

// OpenCaptures returns captures not yet voided or refunded.
func (p *Processor) OpenCaptures(ctx context.Context, orderNumber, shipment string) ([]Record, error) {
	return p.reconciler.OpenCaptures(ctx, orderNumber, shipment)
}

type gatewayCall func(ctx context.Context, p *Payment, forceProcessing bool) (*Payment, error)

// attempt runs one gateway call. Errors and panics become a FAILED result
// carrying the error text; the returned payment is never nil.
func (p *Processor) attempt(ctx context.Context, req *Payment, call gatewayCall, forceProcessing bool) (res *Payment) {
	ctx, span := p.tracer.Start(ctx, "payment.attempt."+string(req.Operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("payment.gateway", p.gateway.Label()),
			attribute.String("payment.order", req.OrderNumber),
			attribute.String("payment.shipment", req.OrderShipment),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			res = req.Clone()
			res.fail(fmt.Sprintf("gateway panic: %v", r))
		}
		span.SetAttributes(attribute.String("payment.result", string(res.Result)))
		if res.Result == StatusFailed {
			span.SetStatus(codes.Error, res.ResultMessage)
			p.lg.Error("Gateway call failed",
				zap.String("order", res.OrderNumber),
				zap.String("shipment", res.OrderShipment),
				zap.String("operation", string(res.Operation)),
				zap.String("reference", res.TransactionReferenceID),
				zap.String("message", res.ResultMessage),
			)
		}
		span.End()
		if p.attempts != nil {
			p.attempts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", string(res.Operation)),
				attribute.String("result", string(res.Result)),
			))
		}
	}()

	out, err := call(ctx, req.Clone(), forceProcessing)
	switch {
	case err != nil:
		res = req.Clone()
		res.fail(err.Error())
	case out == nil:
		res = req.Clone()
		res.fail("gateway returned no result")
	default:
		res = out
		if res.Result == "" {
			res.fail("gateway returned no result status")
		}
		if res.Operation == OpUnknown {
			res.Operation = req.Operation
		}
		if res.OrderNumber == "" {
			res.OrderNumber = req.OrderNumber
			res.OrderShipment = req.OrderShipment
		}
	}
	return res
}

// manualResult builds the synthetic OK result of an operator override.
func manualResult(req *Payment, message string) *Payment {
	res := req.Clone()
	res.TransactionReferenceID = uuid.New().String()
	res.AuthorizationCode = uuid.New().String()
	res.Result = StatusOK
	res.GatewayLabel = ManualProcessingLabel
	res.ResultCode = ManualProcessingLabel
	res.ResultMessage = message
	return res
}

// record appends the result of one attempt to the ledger.
func (p *Processor) record(ctx context.Context, res *Payment, shopCode string) error {
	r := newRecord(res, res.Result, shopCode)
	r.ID = uuid.New().String()
	r.CreatedAt = p.now().UTC()
	if err := p.ledger.Append(ctx, r); err != nil {
		// The gateway may hold funds this ledger does not know about.
		p.lg.Error("Payment result not recorded",
			zap.Error(err),
			zap.String("order", r.OrderNumber),
			zap.String("shipment", r.OrderShipment),
			zap.String("operation", string(r.Operation)),
			zap.String("result", string(r.Result)),
			zap.String("reference", r.TransactionReferenceID),
			zap.String("authorization_code", r.AuthorizationCode),
			zap.String("gateway", r.GatewayLabel),
			zap.Stringer("amount", r.Amount),
		)
		return errors.Wrapf(err, "append %s record for %s/%s", r.Operation, r.OrderNumber, r.OrderShipment)
	}
	return nil
}

func (p *Processor) lock(ctx context.Context, orderNumber string) (func(), error) {
	unlock, err := p.locker.Lock(ctx, LeaseKey(orderNumber))
	if err != nil {
		return nil, errors.Wrapf(err, "lock order %s", orderNumber)
	}
	return unlock, nil
}

// LeaseKey is the per-order lease key.
func LeaseKey(orderNumber string) string {
	return "payment:" + orderNumber
}

func (p *Processor) start(ctx context.Context, name, orderNumber string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "payment."+name,
		trace.WithAttributes(attribute.String("payment.order", orderNumber)),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
