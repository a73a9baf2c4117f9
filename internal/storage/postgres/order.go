package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-payments/internal/domain/order"
)

const (
	getOrderSQL = `SELECT order_number, shop_code, status, currency, locale, email, created_at,
		total, total_tax, gross_price, promo_applied, billing_address, shipping_address
	FROM orders WHERE order_number = $1`

	getDeliveriesSQL = `SELECT delivery_number, sla_id, sla_name, gross_price, net_price
	FROM order_deliveries WHERE order_number = $1 ORDER BY position`

	getLinesSQL = `SELECT delivery_number, sku, name, quantity, gross_price, net_price
	FROM order_lines WHERE order_number = $1 ORDER BY delivery_number, position`

	upsertOrderSQL = `INSERT INTO orders (order_number, shop_code, status, currency, locale, email,
		created_at, total, total_tax, gross_price, promo_applied, billing_address, shipping_address)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (order_number) DO UPDATE SET shop_code = EXCLUDED.shop_code,
		status = EXCLUDED.status, currency = EXCLUDED.currency, locale = EXCLUDED.locale,
		email = EXCLUDED.email, total = EXCLUDED.total, total_tax = EXCLUDED.total_tax,
		gross_price = EXCLUDED.gross_price, promo_applied = EXCLUDED.promo_applied,
		billing_address = EXCLUDED.billing_address, shipping_address = EXCLUDED.shipping_address`

	deleteDeliveriesSQL = `DELETE FROM order_deliveries WHERE order_number = $1`
	deleteLinesSQL      = `DELETE FROM order_lines WHERE order_number = $1`

	insertDeliverySQL = `INSERT INTO order_deliveries
		(order_number, delivery_number, position, sla_id, sla_name, gross_price, net_price)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	insertLineSQL = `INSERT INTO order_lines
		(order_number, delivery_number, position, sku, name, quantity, gross_price, net_price)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository reads the order snapshot the payment subsystem works on.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetByNumber loads an order with its deliveries and lines.
// Returns order.ErrNotFound when the order does not exist.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, number)
	if err != nil {
		return nil, fmt.Errorf("finding order %q: %w", number, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("finding order %q: %w", number, err)
	}

	rows, err = r.pool.Query(ctx, getDeliveriesSQL, number)
	if err != nil {
		return nil, fmt.Errorf("finding deliveries of order %q: %w", number, err)
	}
	o.Deliveries, err = pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("scanning deliveries of order %q: %w", number, err)
	}

	rows, err = r.pool.Query(ctx, getLinesSQL, number)
	if err != nil {
		return nil, fmt.Errorf("finding lines of order %q: %w", number, err)
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("scanning lines of order %q: %w", number, err)
	}

	byDelivery := make(map[string]int, len(o.Deliveries))
	for i, d := range o.Deliveries {
		byDelivery[d.Number] = i
	}
	for _, l := range lines {
		if l.delivery == "" {
			o.Lines = append(o.Lines, l.Line)
			continue
		}
		i, ok := byDelivery[l.delivery]
		if !ok {
			return nil, fmt.Errorf("order %q: line %q references unknown delivery %q", number, l.SKU, l.delivery)
		}
		o.Deliveries[i].Lines = append(o.Deliveries[i].Lines, l.Line)
	}

	return &o, nil
}

// Save replaces the stored snapshot of o in a single transaction.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	billing := encodeAddress(o.BillingAddress)
	shipping := encodeAddress(o.ShippingAddress)

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertOrderSQL,
			o.Number, o.ShopCode, string(o.Status), o.Currency, o.Locale, o.Email,
			o.CreatedAt, o.Total, o.TotalTax, o.GrossPrice, o.PromoApplied, billing, shipping,
		); err != nil {
			return fmt.Errorf("saving order %q: %w", o.Number, err)
		}
		if _, err := tx.Exec(ctx, deleteLinesSQL, o.Number); err != nil {
			return fmt.Errorf("clearing lines of order %q: %w", o.Number, err)
		}
		if _, err := tx.Exec(ctx, deleteDeliveriesSQL, o.Number); err != nil {
			return fmt.Errorf("clearing deliveries of order %q: %w", o.Number, err)
		}

		batch := &pgx.Batch{}
		for i, l := range o.Lines {
			batch.Queue(insertLineSQL, o.Number, "", i, l.SKU, l.Name, l.Quantity, l.GrossPrice, l.NetPrice)
		}
		for i, d := range o.Deliveries {
			var slaID, slaName *string
			if d.CarrierSLA != nil {
				slaID, slaName = &d.CarrierSLA.ID, &d.CarrierSLA.Name
			}
			batch.Queue(insertDeliverySQL, o.Number, d.Number, i, slaID, slaName, d.GrossPrice, d.NetPrice)
			for j, l := range d.Lines {
				batch.Queue(insertLineSQL, o.Number, d.Number, j, l.SKU, l.Name, l.Quantity, l.GrossPrice, l.NetPrice)
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("saving deliveries of order %q: %w", o.Number, err)
		}
		return nil
	})
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                 order.Order
		status            string
		billing, shipping []byte
	)
	err := row.Scan(
		&o.Number, &o.ShopCode, &status, &o.Currency, &o.Locale, &o.Email, &o.CreatedAt,
		&o.Total, &o.TotalTax, &o.GrossPrice, &o.PromoApplied, &billing, &shipping,
	)
	if err != nil {
		return order.Order{}, err
	}
	o.Status = order.Status(status)

	if o.BillingAddress, err = decodeAddress(billing); err != nil {
		return order.Order{}, fmt.Errorf("decoding billing address: %w", err)
	}
	if o.ShippingAddress, err = decodeAddress(shipping); err != nil {
		return order.Order{}, fmt.Errorf("decoding shipping address: %w", err)
	}
	return o, nil
}

func scanDelivery(row pgx.CollectableRow) (order.Delivery, error) {
	var (
		d              order.Delivery
		slaID, slaName *string
	)
	if err := row.Scan(&d.Number, &slaID, &slaName, &d.GrossPrice, &d.NetPrice); err != nil {
		return order.Delivery{}, err
	}
	if slaID != nil {
		d.CarrierSLA = &order.CarrierSLA{ID: *slaID}
		if slaName != nil {
			d.CarrierSLA.Name = *slaName
		}
	}
	return d, nil
}

type storedLine struct {
	order.Line
	delivery string
}

func scanLine(row pgx.CollectableRow) (storedLine, error) {
	var l storedLine
	err := row.Scan(&l.delivery, &l.SKU, &l.Name, &l.Quantity, &l.GrossPrice, &l.NetPrice)
	return l, err
}

// encodeAddress returns the JSONB representation of a, or nil for SQL NULL.
func encodeAddress(a *order.Address) []byte {
	if a == nil {
		return nil
	}
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	for _, f := range []struct{ k, v string }{
		{"first_name", a.FirstName},
		{"last_name", a.LastName},
		{"line1", a.Line1},
		{"line2", a.Line2},
		{"city", a.City},
		{"post_code", a.PostCode},
		{"state_code", a.StateCode},
		{"country_code", a.CountryCode},
		{"phone", a.Phone},
	} {
		if f.v == "" {
			continue
		}
		e.FieldStart(f.k)
		e.Str(f.v)
	}
	e.ObjEnd()
	return append([]byte(nil), e.Bytes()...)
}

func decodeAddress(raw []byte) (*order.Address, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a order.Address
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "first_name":
			dst = &a.FirstName
		case "last_name":
			dst = &a.LastName
		case "line1":
			dst = &a.Line1
		case "line2":
			dst = &a.Line2
		case "city":
			dst = &a.City
		case "post_code":
			dst = &a.PostCode
		case "state_code":
			dst = &a.StateCode
		case "country_code":
			dst = &a.CountryCode
		case "phone":
			dst = &a.Phone
		default:
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrapf(err, "field %s", key)
		}
		*dst = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
