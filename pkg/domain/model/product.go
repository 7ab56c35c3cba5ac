package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultLowStockThreshold = 10

// Product is the stock record owned by the inventory ledger. Quantity fields
// are changed only through its methods so that 0 <= Reserved <= Stock holds.
type Product struct {
	ID                uuid.UUID
	SKU               string
	Name              string
	Price             decimal.Decimal
	CategoryID        *uuid.UUID
	StockQuantity     int
	ReservedQuantity  int
	LowStockThreshold int
	TotalSales        int
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (p *Product) AvailableQuantity() int {
	return p.StockQuantity - p.ReservedQuantity
}

func (p *Product) IsInStock() bool {
	return p.AvailableQuantity() > 0
}

func (p *Product) IsLowStock() bool {
	return p.AvailableQuantity() <= p.LowStockThreshold
}

func (p *Product) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > p.AvailableQuantity() {
		return &InsufficientStockError{SKU: p.SKU, Requested: quantity, Available: p.AvailableQuantity()}
	}
	p.ReservedQuantity += quantity
	return nil
}

// Release returns the number of units actually released, which is smaller
// than quantity when less than that is reserved.
func (p *Product) Release(quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	released := min(quantity, p.ReservedQuantity)
	p.ReservedQuantity -= released
	return released, nil
}

func (p *Product) ConfirmSale(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > p.ReservedQuantity {
		return &InvalidStateError{SKU: p.SKU, Requested: quantity, Reserved: p.ReservedQuantity}
	}
	p.StockQuantity -= quantity
	p.ReservedQuantity -= quantity
	p.TotalSales += quantity
	return nil
}

func (p *Product) ReceiveStock(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	p.StockQuantity += quantity
	return nil
}

func (p *Product) ReturnSale(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	p.StockQuantity += quantity
	p.TotalSales -= min(quantity, p.TotalSales)
	return nil
}

type ProductRepository interface {
	NextID() (uuid.UUID, error)
	Create(ctx context.Context, product *Product) error
	Find(ctx context.Context, id uuid.UUID) (*Product, error)
	// Update stores the product only if the stored version equals
	// product.Version-1, otherwise it returns ErrOptimisticLock.
	Update(ctx context.Context, product *Product) error
}
