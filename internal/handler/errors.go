package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/order"
	"github.com/xenking/kart-payments/internal/domain/payment"
)

// mapError converts a hard orchestration failure into an HTTP response.
func mapError(ctx context.Context, w http.ResponseWriter, err error) {
	var cfgErr *payment.ConfigError
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, payment.ErrLeaseNotObtained):
		writeError(w, http.StatusConflict, "order is being processed by another request")
	case errors.As(err, &cfgErr):
		zctx.From(ctx).Error("Gateway misconfigured", zap.Error(err))
		writeError(w, http.StatusInternalServerError, cfgErr.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeError writes {"code":...,"message":...}.
func writeError(w http.ResponseWriter, code int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(code)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, code, e.Bytes())
}

func writeJSON(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
