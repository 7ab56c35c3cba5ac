package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartOwner identifies either a signed-in user or an anonymous session.
type CartOwner struct {
	UserID    uuid.UUID
	SessionID string
}

func UserOwner(userID uuid.UUID) CartOwner { return CartOwner{UserID: userID} }

func SessionOwner(sessionID string) CartOwner { return CartOwner{SessionID: sessionID} }

func (o CartOwner) Validate() error {
	hasUser := o.UserID != uuid.Nil
	hasSession := o.SessionID != ""
	if hasUser == hasSession {
		return ErrInvalidCartOwner
	}
	return nil
}

func (o CartOwner) IsGuest() bool { return o.SessionID != "" }

func (o CartOwner) String() string {
	if o.IsGuest() {
		return "session:" + o.SessionID
	}
	return "user:" + o.UserID.String()
}

type CartItem struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
	AddedAt   time.Time
}

func (i CartItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Cart struct {
	ID             uuid.UUID
	Owner          CartOwner
	Items          []CartItem
	DiscountCode   string
	DiscountAmount decimal.Decimal
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewCart(id uuid.UUID, owner CartOwner) (*Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Cart{
		ID:        id,
		Owner:     owner,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AddItem merges into an existing line for the same product. The combined
// quantity is checked against what the product currently has available;
// nothing is reserved.
func (c *Cart) AddItem(product *Product, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if idx := c.indexOfProduct(product.ID); idx >= 0 {
		item := &c.Items[idx]
		newQuantity := item.Quantity + quantity
		if newQuantity > product.AvailableQuantity() {
			return &InsufficientStockError{SKU: product.SKU, Requested: newQuantity, Available: product.AvailableQuantity()}
		}
		item.Quantity = newQuantity
		item.UnitPrice = product.Price
		return nil
	}
	if quantity > product.AvailableQuantity() {
		return &InsufficientStockError{SKU: product.SKU, Requested: quantity, Available: product.AvailableQuantity()}
	}
	c.Items = append(c.Items, CartItem{
		ID:        uuid.New(),
		ProductID: product.ID,
		SKU:       product.SKU,
		Quantity:  quantity,
		UnitPrice: product.Price,
		AddedAt:   time.Now().UTC(),
	})
	return nil
}

// UpdateItemQuantity removes the line when quantity <= 0; product may be nil
// in that case.
func (c *Cart) UpdateItemQuantity(itemID uuid.UUID, quantity int, product *Product) error {
	idx := c.indexOfItem(itemID)
	if idx < 0 {
		return NewEntityNotFound("cart item", itemID)
	}
	if quantity <= 0 {
		c.removeAt(idx)
		return nil
	}
	if quantity > product.AvailableQuantity() {
		return &InsufficientStockError{SKU: product.SKU, Requested: quantity, Available: product.AvailableQuantity()}
	}
	c.Items[idx].Quantity = quantity
	return nil
}

func (c *Cart) RemoveItem(itemID uuid.UUID) error {
	idx := c.indexOfItem(itemID)
	if idx < 0 {
		return NewEntityNotFound("cart item", itemID)
	}
	c.removeAt(idx)
	return nil
}

func (c *Cart) Item(itemID uuid.UUID) (CartItem, bool) {
	if idx := c.indexOfItem(itemID); idx >= 0 {
		return c.Items[idx], true
	}
	return CartItem{}, false
}

func (c *Cart) Clear() {
	c.Items = nil
	c.RemoveDiscount()
}

func (c *Cart) ApplyDiscount(code string, amount decimal.Decimal) {
	c.DiscountCode = code
	c.DiscountAmount = amount
}

func (c *Cart) RemoveDiscount() {
	c.DiscountCode = ""
	c.DiscountAmount = decimal.Zero
}

func (c *Cart) Subtotal() decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range c.Items {
		subtotal = subtotal.Add(item.Total())
	}
	return subtotal
}

func (c *Cart) Total() decimal.Decimal {
	total := c.Subtotal().Sub(c.DiscountAmount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func (c *Cart) ItemCount() int {
	count := 0
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

func (c *Cart) indexOfProduct(productID uuid.UUID) int {
	for i, item := range c.Items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) indexOfItem(itemID uuid.UUID) int {
	for i, item := range c.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(idx int) {
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
}

type CartRepository interface {
	NextID() (uuid.UUID, error)
	FindByOwner(ctx context.Context, owner CartOwner) (*Cart, error)
	Create(ctx context.Context, cart *Cart) error
	Update(ctx context.Context, cart *Cart) error
	Delete(ctx context.Context, owner CartOwner) error
	// Claim removes the cart only while the stored copy still carries
	// cart.Version, so one cart turns into at most one order. A cart changed or
	// claimed since it was read fails with ErrOptimisticLock.
	Claim(ctx context.Context, cart *Cart) error
}
