package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

const maxBodyBytes = 1 << 20

// actionRequest is the body of every mutating route. All fields are
// optional and an empty body is valid.
type actionRequest struct {
	ForceSinglePayment bool
	ForceProcessing    bool
	// Amount is the refund reported by a gateway notification.
	Amount decimal.NullDecimal
	Params payment.Params
}

func decodeActionRequest(r *http.Request) (actionRequest, error) {
	var req actionRequest
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return req, errors.Wrap(err, "read body")
	}
	if len(body) == 0 {
		return req, nil
	}

	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "force_single_payment":
			req.ForceSinglePayment, err = d.Bool()
		case "force_processing":
			req.ForceProcessing, err = d.Bool()
		case "amount":
			req.Amount, err = decodeNullDecimal(d)
		case "params":
			err = decodeParams(d, &req.Params)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return actionRequest{}, errors.Wrap(err, "invalid request body")
	}
	return req, nil
}

func decodeParams(d *jx.Decoder, p *payment.Params) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "gateway":
			p.Gateway = map[string]string{}
			err = d.Obj(func(d *jx.Decoder, name string) error {
				v, err := d.Str()
				p.Gateway[name] = v
				return err
			})
		case "force_manual_processing":
			p.ForceManualProcessing, err = d.Bool()
		case "force_manual_processing_message":
			p.ForceManualProcessingMessage, err = d.Str()
		case "force_auto_processing_operation":
			var s string
			if s, err = d.Str(); err == nil {
				p.ForceAutoProcessingOperation = payment.ParseOperation(s)
				if p.ForceAutoProcessingOperation == payment.OpUnknown && s != "" {
					err = errors.Errorf("unknown operation %q", s)
				}
			}
		case "force_add_to_every_payment_amount":
			p.ForceAddToEveryPaymentAmount, err = decodeNullDecimal(d)
		case "refund_amount":
			p.RefundAmount, err = decodeNullDecimal(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
}

// decodeNullDecimal accepts a JSON string, number or null.
func decodeNullDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	var raw string
	switch d.Next() {
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		raw = n.String()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

// writeStatus writes the aggregate status of an orchestration call.
func writeStatus(w http.ResponseWriter, orderNumber string, status payment.Status) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_number")
	e.Str(orderNumber)
	e.FieldStart("status")
	e.Str(string(status))
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func writeOpenPayments(w http.ResponseWriter, orderNumber string, auths, captures []payment.Record) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_number")
	e.Str(orderNumber)
	e.FieldStart("open_authorizations")
	payment.EncodeRecords(&e, auths)
	e.FieldStart("open_captures")
	payment.EncodeRecords(&e, captures)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}
