package payment

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Encode writes r as a JSON object. Amounts are encoded as strings to keep
// their exact decimal representation.
func (r Record) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(r.ID)
	e.FieldStart("order_number")
	e.Str(r.OrderNumber)
	e.FieldStart("order_shipment")
	e.Str(r.OrderShipment)
	e.FieldStart("operation")
	e.Str(string(r.Operation))
	e.FieldStart("amount")
	e.Str(r.Amount.String())
	e.FieldStart("tax_amount")
	e.Str(r.TaxAmount.String())
	e.FieldStart("currency")
	e.Str(r.Currency)
	e.FieldStart("result")
	e.Str(string(r.Result))
	e.FieldStart("batch_settlement")
	e.Bool(r.BatchSettlement)
	e.FieldStart("gateway_label")
	e.Str(r.GatewayLabel)
	e.FieldStart("transaction_reference_id")
	e.Str(r.TransactionReferenceID)
	e.FieldStart("authorization_code")
	e.Str(r.AuthorizationCode)
	e.FieldStart("result_code")
	e.Str(r.ResultCode)
	e.FieldStart("result_message")
	e.Str(r.ResultMessage)
	e.FieldStart("shop_code")
	e.Str(r.ShopCode)
	e.FieldStart("created_at")
	e.Str(r.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

// Decode reads r from a JSON object written by Encode. Unknown fields are
// skipped.
func (r *Record) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			r.ID, err = d.Str()
		case "order_number":
			r.OrderNumber, err = d.Str()
		case "order_shipment":
			r.OrderShipment, err = d.Str()
		case "operation":
			var s string
			s, err = d.Str()
			r.Operation = Operation(s)
		case "amount":
			r.Amount, err = decodeDecimal(d)
		case "tax_amount":
			r.TaxAmount, err = decodeDecimal(d)
		case "currency":
			r.Currency, err = d.Str()
		case "result":
			var s string
			s, err = d.Str()
			r.Result = Status(s)
		case "batch_settlement":
			r.BatchSettlement, err = d.Bool()
		case "gateway_label":
			r.GatewayLabel, err = d.Str()
		case "transaction_reference_id":
			r.TransactionReferenceID, err = d.Str()
		case "authorization_code":
			r.AuthorizationCode, err = d.Str()
		case "result_code":
			r.ResultCode, err = d.Str()
		case "result_message":
			r.ResultMessage, err = d.Str()
		case "shop_code":
			r.ShopCode, err = d.Str()
		case "created_at":
			var s string
			if s, err = d.Str(); err == nil {
				r.CreatedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
}

// EncodeRecords writes rs as a JSON array.
func EncodeRecords(e *jx.Encoder, rs []Record) {
	e.ArrStart()
	for _, r := range rs {
		r.Encode(e)
	}
	e.ArrEnd()
}

// DecodeRecords reads a JSON array written by EncodeRecords.
func DecodeRecords(d *jx.Decoder) ([]Record, error) {
	rs := []Record{}
	if err := d.Arr(func(d *jx.Decoder) error {
		var r Record
		if err := r.Decode(d); err != nil {
			return err
		}
		rs = append(rs, r)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode records")
	}
	return rs, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for decimal", d.Next())
	}
}
