// Package handler exposes the payment orchestrator over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/auth"
	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/pkg/httpmiddleware"
)

// Handler serves the payment API under /api.
type Handler struct {
	orders   order.Repository
	payments payment.Orchestrator
}

// NewHandler constructs a Handler.
func NewHandler(orders order.Repository, payments payment.Orchestrator) *Handler {
	return &Handler{orders: orders, payments: payments}
}

// Register adds the API routes to mux. Every route requires an API key;
// reads need payments:read and mutations payments:write.
func (h *Handler) Register(mux *http.ServeMux, sec *Security) {
	routes := []struct {
		pattern string
		scope   string
		fn      http.HandlerFunc
	}{
		{"POST /api/orders/{orderNumber}/authorize", auth.ScopePaymentsWrite, h.Authorize},
		{"POST /api/orders/{orderNumber}/shipments/{shipment}/complete", auth.ScopePaymentsWrite, h.ShipmentComplete},
		{"POST /api/orders/{orderNumber}/cancel", auth.ScopePaymentsWrite, h.CancelOrder},
		{"POST /api/orders/{orderNumber}/refund-notification", auth.ScopePaymentsWrite, h.RefundNotification},
		{"POST /api/orders/{orderNumber}/reverse-authorizations", auth.ScopePaymentsWrite, h.ReverseAuthorizations},
		{"GET /api/orders/{orderNumber}/payments", auth.ScopePaymentsRead, h.OpenPayments},
	}
	for _, r := range routes {
		mux.Handle(r.pattern, httpmiddleware.Route(r.pattern, sec.Require(r.scope, r.fn)))
	}
}

// Authorize authorizes (or authorizes and captures) the order total.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, o *order.Order, req actionRequest) (payment.Status, error) {
		return h.payments.Authorize(ctx, o, req.ForceSinglePayment, req.ForceProcessing, req.Params)
	})
}

// ShipmentComplete captures the authorization of a shipped delivery.
func (h *Handler) ShipmentComplete(w http.ResponseWriter, r *http.Request) {
	shipment := r.PathValue("shipment")
	h.withOrder(w, r, func(ctx context.Context, o *order.Order, req actionRequest) (payment.Status, error) {
		return h.payments.ShipmentComplete(ctx, o, shipment, req.ForceProcessing, req.Params)
	})
}

// CancelOrder reverses, voids or refunds everything the order holds.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, o *order.Order, req actionRequest) (payment.Status, error) {
		return h.payments.CancelOrder(ctx, o, req.ForceProcessing, req.Params)
	})
}

// RefundNotification records a refund the gateway reports out of band.
func (h *Handler) RefundNotification(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, func(ctx context.Context, o *order.Order, req actionRequest) (payment.Status, error) {
		if req.Amount.Valid {
			req.Params.Callback = &payment.Callback{
				Operation: payment.OpRefundNotify,
				Amount:    req.Amount.Decimal,
				Params:    req.Params.Gateway,
			}
		}
		return h.payments.RefundNotification(ctx, o, req.ForceProcessing, req.Params)
	})
}

// ReverseAuthorizations releases every open authorization of the order.
func (h *Handler) ReverseAuthorizations(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("orderNumber")
	req, err := decodeActionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.payments.ReverseAuthorizations(r.Context(), number, req.ForceProcessing)
	if err != nil {
		mapError(r.Context(), w, err)
		return
	}
	writeStatus(w, number, status)
}

// OpenPayments lists open authorizations and captures of the order,
// optionally restricted to one shipment.
func (h *Handler) OpenPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := r.PathValue("orderNumber")
	shipment := r.URL.Query().Get("shipment")

	auths, err := h.payments.OpenAuthorizations(ctx, number, shipment)
	if err != nil {
		mapError(ctx, w, err)
		return
	}
	captures, err := h.payments.OpenCaptures(ctx, number, shipment)
	if err != nil {
		mapError(ctx, w, err)
		return
	}
	writeOpenPayments(w, number, auths, captures)
}

type orderAction func(ctx context.Context, o *order.Order, req actionRequest) (payment.Status, error)

func (h *Handler) withOrder(w http.ResponseWriter, r *http.Request, action orderAction) {
	ctx := r.Context()
	number := r.PathValue("orderNumber")

	req, err := decodeActionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := h.orders.GetByNumber(ctx, number)
	if err != nil {
		mapError(ctx, w, err)
		return
	}

	status, err := action(ctx, o, req)
	if err != nil {
		mapError(ctx, w, err)
		return
	}

	zctx.From(ctx).Info("Payment action completed",
		zap.String("order", number),
		zap.String("route", r.Pattern),
		zap.String("status", string(status)),
	)
	writeStatus(w, number, status)
}
