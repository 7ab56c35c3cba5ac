package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountFixedAmount  DiscountType = "FIXED_AMOUNT"
	DiscountPercentage   DiscountType = "PERCENTAGE"
	DiscountFreeShipping DiscountType = "FREE_SHIPPING"
	DiscountBuyXGetY     DiscountType = "BUY_X_GET_Y"
	DiscountFixedPrice   DiscountType = "FIXED_PRICE"
)

// Benefit is what a discount grants. The set of implementations is closed.
type Benefit interface {
	Type() DiscountType
	benefit()
}

type FixedAmount struct {
	Amount decimal.Decimal
}

type Percentage struct {
	Percent decimal.Decimal
}

type FreeShipping struct{}

type BuyXGetY struct {
	Buy int
	Get int
}

type FixedPrice struct {
	Price decimal.Decimal
}

func (FixedAmount) Type() DiscountType  { return DiscountFixedAmount }
func (Percentage) Type() DiscountType   { return DiscountPercentage }
func (FreeShipping) Type() DiscountType { return DiscountFreeShipping }
func (BuyXGetY) Type() DiscountType     { return DiscountBuyXGetY }
func (FixedPrice) Type() DiscountType   { return DiscountFixedPrice }

func (FixedAmount) benefit()  {}
func (Percentage) benefit()   {}
func (FreeShipping) benefit() {}
func (BuyXGetY) benefit()     {}
func (FixedPrice) benefit()   {}

type Discount struct {
	ID                    uuid.UUID
	Code                  string
	Description           string
	Benefit               Benefit
	MinimumOrderAmount    *decimal.Decimal
	MaximumDiscountAmount *decimal.Decimal
	StartsAt              *time.Time
	EndsAt                *time.Time
	UsageLimit            *int
	UsageCount            int
	Active                bool
	ProductIDs            []uuid.UUID
	CategoryIDs           []uuid.UUID
	ExcludedProductIDs    []uuid.UUID
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (d *Discount) UsageExhausted() bool {
	return d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit
}

func (d *Discount) HasExplicitScope() bool {
	return len(d.ProductIDs) > 0 || len(d.CategoryIDs) > 0
}

type DiscountRepository interface {
	NextID() (uuid.UUID, error)
	Create(ctx context.Context, discount *Discount) error
	Find(ctx context.Context, id uuid.UUID) (*Discount, error)
	FindByCode(ctx context.Context, code string) (*Discount, error)
	Update(ctx context.Context, discount *Discount) error
}
