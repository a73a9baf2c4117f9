package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested order does not exist.
var ErrNotFound = errors.New("order not found")

// Status is the lifecycle state of an order as owned by the order subsystem.
type Status string

// Order statuses the payment subsystem needs to know about.
const (
	StatusPending          Status = "PENDING"
	StatusWaitingPayment   Status = "WAITING_PAYMENT"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusPartiallyShipped Status = "PARTIALLY_SHIPPED"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusReturned         Status = "RETURNED"
)

// Order is a read-only snapshot of a customer order. Totals, delivery
// splitting and promotions are computed upstream; the payment subsystem
// never mutates an Order.
type Order struct {
	Number    string
	ShopCode  string
	Status    Status
	Currency  string
	Locale    string
	Email     string
	CreatedAt time.Time

	// Total is the gross amount the customer pays, shipping included.
	Total    decimal.Decimal
	TotalTax decimal.Decimal
	// GrossPrice is the items subtotal after order level promotions.
	GrossPrice   decimal.Decimal
	PromoApplied bool

	Lines      []Line
	Deliveries []Delivery

	BillingAddress  *Address
	ShippingAddress *Address
}

// Line is an order level line used for promotion ratio calculation.
type Line struct {
	SKU        string
	Name       string
	Quantity   decimal.Decimal
	GrossPrice decimal.Decimal
	NetPrice   decimal.Decimal
}

// Delivery is a shipment of a subset of order lines.
type Delivery struct {
	Number     string
	CarrierSLA *CarrierSLA
	// GrossPrice and NetPrice are the shipping cost of this delivery.
	GrossPrice decimal.Decimal
	NetPrice   decimal.Decimal
	Lines      []Line
}

// CarrierSLA identifies the shipping method used for a delivery.
type CarrierSLA struct {
	ID   string
	Name string
}

// Address is a postal address snapshot taken at checkout.
type Address struct {
	FirstName   string
	LastName    string
	Line1       string
	Line2       string
	City        string
	PostCode    string
	StateCode   string
	CountryCode string
	Phone       string
}

// IsClosed reports whether the order is already cancelled or returned.
func (o *Order) IsClosed() bool {
	return o.Status == StatusCancelled || o.Status == StatusReturned
}

// Repository provides read access to orders.
type Repository interface {
	GetByNumber(ctx context.Context, number string) (*Order, error)
}
