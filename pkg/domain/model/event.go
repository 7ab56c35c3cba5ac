package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ProductStockChanged struct {
	ProductID uuid.UUID
	SKU       string
	Operation string
	Quantity  int
	Stock     int
	Reserved  int
}

func (e ProductStockChanged) Type() string { return "ProductStockChanged" }

type LowStockAlert struct {
	ProductID uuid.UUID
	SKU       string
	Available int
	Threshold int
}

func (e LowStockAlert) Type() string { return "LowStockAlert" }

type DiscountRedeemed struct {
	DiscountID uuid.UUID
	Code       string
	UsageCount int
}

func (e DiscountRedeemed) Type() string { return "DiscountRedeemed" }

type GuestCartMerged struct {
	UserID       uuid.UUID
	SessionID    string
	MergedLines  int
	SkippedLines int
}

func (e GuestCartMerged) Type() string { return "GuestCartMerged" }

type OrderCreated struct {
	OrderID     uuid.UUID
	OrderNumber string
	UserID      uuid.UUID
	Total       decimal.Decimal
}

func (e OrderCreated) Type() string { return "OrderCreated" }

type OrderConfirmed struct {
	OrderID          uuid.UUID
	PaymentReference string
}

func (e OrderConfirmed) Type() string { return "OrderConfirmed" }

type OrderPaymentFailed struct {
	OrderID uuid.UUID
	Reason  string
}

func (e OrderPaymentFailed) Type() string { return "OrderPaymentFailed" }

type OrderStatusChanged struct {
	OrderID uuid.UUID
	From    string
	To      string
}

func (e OrderStatusChanged) Type() string { return "OrderStatusChanged" }

type OrderShipped struct {
	OrderID        uuid.UUID
	TrackingNumber string
}

func (e OrderShipped) Type() string { return "OrderShipped" }

type OrderCancelled struct {
	OrderID uuid.UUID
	Reason  string
}

func (e OrderCancelled) Type() string { return "OrderCancelled" }
