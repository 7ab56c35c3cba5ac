package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidDiscount   = errors.New("invalid discount")
	ErrInvalidOrderState = errors.New("invalid order state transition")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrInvalidState      = errors.New("inventory bookkeeping inconsistency")
	ErrOptimisticLock    = errors.New("record has been modified by another transaction")
	ErrInvalidQuantity   = errors.New("quantity must be a positive number")
	ErrEmptyCart         = errors.New("cannot check out an empty cart")
	ErrInvalidAddress    = errors.New("address is incomplete")
	ErrInvalidCartOwner  = errors.New("cart must belong to exactly one user or session")
)

type InsufficientStockError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type InvalidDiscountError struct {
	Code   string
	Reason string
}

func (e *InvalidDiscountError) Error() string {
	return fmt.Sprintf("invalid discount code %q: %s", e.Code, e.Reason)
}

func (e *InvalidDiscountError) Is(target error) bool { return target == ErrInvalidDiscount }

type InvalidOrderStateError struct {
	Current   OrderStatus
	Attempted OrderStatus
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order cannot move from %s to %s", e.Current, e.Attempted)
}

func (e *InvalidOrderStateError) Is(target error) bool { return target == ErrInvalidOrderState }

type EntityNotFoundError struct {
	Kind string
	ID   string
}

func NewEntityNotFound(kind string, id interface{}) *EntityNotFoundError {
	return &EntityNotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s not found with identifier: %s", e.Kind, e.ID)
}

func (e *EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// InvalidStateError means a sale was confirmed for more units than are
// reserved. It indicates corrupted bookkeeping and must not be retried.
type InvalidStateError struct {
	SKU       string
	Requested int
	Reserved  int
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot confirm sale of %d units for product %s: only %d reserved", e.Requested, e.SKU, e.Reserved)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
