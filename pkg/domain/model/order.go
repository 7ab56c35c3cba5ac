package model

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultCurrency = "USD"

type OrderStatus int

const (
	Pending OrderStatus = iota
	Confirmed
	Processing
	Shipped
	OutForDelivery
	Delivered
	Cancelled
	ReturnRequested
	Returned
	Refunded
	Failed
)

var orderStatusNames = map[OrderStatus]string{
	Pending:         "PENDING",
	Confirmed:       "CONFIRMED",
	Processing:      "PROCESSING",
	Shipped:         "SHIPPED",
	OutForDelivery:  "OUT_FOR_DELIVERY",
	Delivered:       "DELIVERED",
	Cancelled:       "CANCELLED",
	ReturnRequested: "RETURN_REQUESTED",
	Returned:        "RETURNED",
	Refunded:        "REFUNDED",
	Failed:          "FAILED",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

func ParseOrderStatus(name string) (OrderStatus, error) {
	for status, n := range orderStatusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", name)
}

// allowedTransitions lists, for every status, the statuses it may move to.
// Statuses missing from the map are terminal.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	Pending:         {Confirmed, Cancelled, Failed},
	Confirmed:       {Processing, Cancelled},
	Processing:      {Shipped, Cancelled},
	Shipped:         {OutForDelivery, Delivered},
	OutForDelivery:  {Delivered},
	Delivered:       {ReturnRequested},
	ReturnRequested: {Returned},
	Returned:        {Refunded},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ShippingMethod string

const (
	ShippingStandard  ShippingMethod = "STANDARD"
	ShippingExpress   ShippingMethod = "EXPRESS"
	ShippingOvernight ShippingMethod = "OVERNIGHT"
	ShippingSameDay   ShippingMethod = "SAME_DAY"
	ShippingPickup    ShippingMethod = "PICKUP"
	ShippingFree      ShippingMethod = "FREE"
)

type Address struct {
	Street     string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

func (a Address) Validate() error {
	if a.Street == "" || a.City == "" || a.PostalCode == "" || a.Country == "" {
		return ErrInvalidAddress
	}
	return nil
}

// OrderItem is a snapshot of the product at checkout time and never refers
// back to the live catalog.
type OrderItem struct {
	ID             uuid.UUID
	ProductID      uuid.UUID
	ProductName    string
	SKU            string
	UnitPrice      decimal.Decimal
	Quantity       int
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
}

func (i OrderItem) Gross() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i OrderItem) Total() decimal.Decimal {
	return i.Gross().Sub(i.DiscountAmount).Add(i.TaxAmount)
}

type Order struct {
	ID                 uuid.UUID
	OrderNumber        string
	UserID             uuid.UUID
	Status             OrderStatus
	Items              []OrderItem
	ShippingAddress    Address
	BillingAddress     Address
	ShippingMethod     ShippingMethod
	DiscountCode       string
	Subtotal           decimal.Decimal
	DiscountAmount     decimal.Decimal
	TaxAmount          decimal.Decimal
	ShippingAmount     decimal.Decimal
	Total              decimal.Decimal
	Currency           string
	PaymentReference   string
	TrackingNumber     string
	Notes              string
	CancellationReason string
	FailureReason      string
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func NewOrder(id, userID uuid.UUID) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:             id,
		OrderNumber:    GenerateOrderNumber(now),
		UserID:         userID,
		Status:         Pending,
		Subtotal:       decimal.Zero,
		DiscountAmount: decimal.Zero,
		TaxAmount:      decimal.Zero,
		ShippingAmount: decimal.Zero,
		Total:          decimal.Zero,
		Currency:       DefaultCurrency,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func GenerateOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%04d", now.UnixMilli(), rand.IntN(10000))
}

func (o *Order) AddItem(item OrderItem) {
	o.Items = append(o.Items, item)
	o.RecalculateTotals()
}

func (o *Order) RemoveItem(itemID uuid.UUID) error {
	for i, item := range o.Items {
		if item.ID == itemID {
			o.Items = append(o.Items[:i], o.Items[i+1:]...)
			o.RecalculateTotals()
			return nil
		}
	}
	return NewEntityNotFound("order item", itemID)
}

func (o *Order) ApplyCharges(discount, tax, shipping decimal.Decimal) {
	o.DiscountAmount = discount
	o.TaxAmount = tax
	o.ShippingAmount = shipping
	o.RecalculateTotals()
}

// RecalculateTotals is the only place Subtotal and Total are written.
func (o *Order) RecalculateTotals() {
	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.Gross())
	}
	o.Subtotal = subtotal
	o.Total = subtotal.Sub(o.DiscountAmount).Add(o.TaxAmount).Add(o.ShippingAmount)
}

func (o *Order) ItemCount() int {
	count := 0
	for _, item := range o.Items {
		count += item.Quantity
	}
	return count
}

func (o *Order) IsCancellable() bool {
	return o.Status == Pending || o.Status == Confirmed || o.Status == Processing
}

func (o *Order) IsCompleted() bool {
	return o.Status == Delivered
}

func (o *Order) Confirm(paymentReference string) error {
	if err := o.transition(Confirmed); err != nil {
		return err
	}
	o.PaymentReference = paymentReference
	return nil
}

func (o *Order) StartProcessing() error {
	return o.transition(Processing)
}

func (o *Order) Ship(trackingNumber string) error {
	if err := o.transition(Shipped); err != nil {
		return err
	}
	o.TrackingNumber = trackingNumber
	return nil
}

func (o *Order) MarkOutForDelivery() error {
	return o.transition(OutForDelivery)
}

func (o *Order) Deliver() error {
	if err := o.transition(Delivered); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CompletedAt = &now
	return nil
}

func (o *Order) Cancel(reason string) error {
	if err := o.transition(Cancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CancelledAt = &now
	o.CancellationReason = reason
	return nil
}

func (o *Order) Fail(reason string) error {
	if err := o.transition(Failed); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

func (o *Order) RequestReturn() error {
	return o.transition(ReturnRequested)
}

func (o *Order) MarkReturned() error {
	return o.transition(Returned)
}

func (o *Order) Refund() error {
	return o.transition(Refunded)
}

func (o *Order) transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return &InvalidOrderStateError{Current: o.Status, Attempted: next}
	}
	o.Status = next
	return nil
}

type OrderRepository interface {
	NextID() (uuid.UUID, error)
	Create(ctx context.Context, order *Order) error
	Find(ctx context.Context, id uuid.UUID) (*Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (*Order, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*Order, error)
	Update(ctx context.Context, order *Order) error
}

// ShippingQuoter prices delivery for an order; carrier integration lives
// behind it.
type ShippingQuoter interface {
	Quote(ctx context.Context, method ShippingMethod, subtotal decimal.Decimal, itemCount int) (decimal.Decimal, error)
}

// TaxCalculator computes tax for a shipping destination.
type TaxCalculator interface {
	Tax(ctx context.Context, destination Address, taxable decimal.Decimal) (decimal.Decimal, error)
}
