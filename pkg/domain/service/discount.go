package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

const (
	reasonNotFound      = "discount code does not exist"
	reasonInactive      = "discount is no longer active"
	reasonNotStarted    = "discount is not active yet"
	reasonExpired       = "discount has expired"
	reasonUsageExceeded = "usage limit reached"
	reasonBelowMinimum  = "order amount is below the minimum for this discount"
)

var hundred = decimal.NewFromInt(100)

type DiscountEngine interface {
	IsValid(discount *model.Discount, now time.Time) bool
	IsApplicableToAmount(discount *model.Discount, orderAmount decimal.Decimal) bool
	// CalculateDiscount returns zero for a discount that is not valid now or
	// not applicable to orderTotal. shippingCost is only used by free
	// shipping discounts.
	CalculateDiscount(discount *model.Discount, orderTotal, shippingCost decimal.Decimal) decimal.Decimal
	AppliesToProduct(discount *model.Discount, product *model.Product) bool

	Resolve(ctx context.Context, code string, orderAmount decimal.Decimal) (*model.Discount, error)
	RecordUsage(ctx context.Context, discountID uuid.UUID) (*model.Discount, error)
	ReleaseUsage(ctx context.Context, discountID uuid.UUID) error
	Deactivate(ctx context.Context, code string) error
}

func NewDiscountEngine(repo model.DiscountRepository, dispatcher domain.EventDispatcher, logger logrus.FieldLogger, maxAttempts int) DiscountEngine {
	return &discountEngine{
		repo:        repo,
		dispatcher:  dispatcher,
		logger:      logger.WithField("component", "discount"),
		maxAttempts: attemptsOrDefault(maxAttempts),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type discountEngine struct {
	repo        model.DiscountRepository
	dispatcher  domain.EventDispatcher
	logger      logrus.FieldLogger
	maxAttempts int
	now         func() time.Time
}

func (e *discountEngine) IsValid(discount *model.Discount, now time.Time) bool {
	return invalidReason(discount, now) == ""
}

func (e *discountEngine) IsApplicableToAmount(discount *model.Discount, orderAmount decimal.Decimal) bool {
	if discount.MinimumOrderAmount == nil {
		return true
	}
	return orderAmount.GreaterThanOrEqual(*discount.MinimumOrderAmount)
}

func (e *discountEngine) CalculateDiscount(discount *model.Discount, orderTotal, shippingCost decimal.Decimal) decimal.Decimal {
	if !e.IsValid(discount, e.now()) || !e.IsApplicableToAmount(discount, orderTotal) {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch benefit := discount.Benefit.(type) {
	case model.FixedAmount:
		amount = benefit.Amount
	case model.Percentage:
		amount = orderTotal.Mul(benefit.Percent).Div(hundred).Round(2)
	case model.FreeShipping:
		return shippingCost
	default:
		e.logger.WithFields(logrus.Fields{
			"code": discount.Code,
			"type": benefitType(discount.Benefit),
		}).Warn("discount type is not supported by the pricing engine, applying no discount")
		return decimal.Zero
	}

	if discount.MaximumDiscountAmount != nil && amount.GreaterThan(*discount.MaximumDiscountAmount) {
		amount = *discount.MaximumDiscountAmount
	}
	if amount.GreaterThan(orderTotal) {
		amount = orderTotal
	}
	return amount
}

func (e *discountEngine) AppliesToProduct(discount *model.Discount, product *model.Product) bool {
	if !discount.HasExplicitScope() {
		return !containsID(discount.ExcludedProductIDs, product.ID)
	}
	if containsID(discount.ProductIDs, product.ID) {
		return true
	}
	return product.CategoryID != nil && containsID(discount.CategoryIDs, *product.CategoryID)
}

func (e *discountEngine) Resolve(ctx context.Context, code string, orderAmount decimal.Decimal) (*model.Discount, error) {
	code = normalizeCode(code)
	discount, err := e.repo.FindByCode(ctx, code)
	if errors.Is(err, model.ErrEntityNotFound) {
		return nil, &model.InvalidDiscountError{Code: code, Reason: reasonNotFound}
	}
	if err != nil {
		return nil, err
	}
	if reason := invalidReason(discount, e.now()); reason != "" {
		return nil, &model.InvalidDiscountError{Code: code, Reason: reason}
	}
	if !e.IsApplicableToAmount(discount, orderAmount) {
		return nil, &model.InvalidDiscountError{Code: code, Reason: reasonBelowMinimum}
	}
	return discount, nil
}

// RecordUsage re-checks validity against the stored record on every attempt,
// so concurrent redemptions can never push UsageCount past UsageLimit.
func (e *discountEngine) RecordUsage(ctx context.Context, discountID uuid.UUID) (*model.Discount, error) {
	discount, err := e.mutate(ctx, discountID, func(d *model.Discount) error {
		if reason := invalidReason(d, e.now()); reason != "" {
			return &model.InvalidDiscountError{Code: d.Code, Reason: reason}
		}
		d.UsageCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatchEvents(e.dispatcher, e.logger, model.DiscountRedeemed{
		DiscountID: discount.ID,
		Code:       discount.Code,
		UsageCount: discount.UsageCount,
	})
	return discount, nil
}

func (e *discountEngine) ReleaseUsage(ctx context.Context, discountID uuid.UUID) error {
	_, err := e.mutate(ctx, discountID, func(d *model.Discount) error {
		if d.UsageCount > 0 {
			d.UsageCount--
		}
		return nil
	})
	return err
}

func (e *discountEngine) Deactivate(ctx context.Context, code string) error {
	discount, err := e.repo.FindByCode(ctx, normalizeCode(code))
	if err != nil {
		return err
	}
	_, err = e.mutate(ctx, discount.ID, func(d *model.Discount) error {
		d.Active = false
		return nil
	})
	return err
}

func (e *discountEngine) mutate(ctx context.Context, discountID uuid.UUID, action func(d *model.Discount) error) (*model.Discount, error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		discount, err := e.repo.Find(ctx, discountID)
		if err != nil {
			return nil, err
		}
		if err := action(discount); err != nil {
			return nil, err
		}

		discount.Version++
		discount.UpdatedAt = e.now()
		err = e.repo.Update(ctx, discount)
		if errors.Is(err, model.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "update discount %s", discount.Code)
		}
		return discount, nil
	}
	return nil, errors.Wrapf(model.ErrOptimisticLock, "discount %s: gave up after %d attempts", discountID, e.maxAttempts)
}

func invalidReason(discount *model.Discount, now time.Time) string {
	switch {
	case !discount.Active:
		return reasonInactive
	case discount.StartsAt != nil && now.Before(*discount.StartsAt):
		return reasonNotStarted
	case discount.EndsAt != nil && now.After(*discount.EndsAt):
		return reasonExpired
	case discount.UsageExhausted():
		return reasonUsageExceeded
	}
	return ""
}

func benefitType(benefit model.Benefit) string {
	if benefit == nil {
		return "NONE"
	}
	return string(benefit.Type())
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
