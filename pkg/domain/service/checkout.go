package service

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

const reasonNotApplicable = "discount does not apply to any item in the cart"

var tracer = otel.Tracer("commerce/checkout")

type CheckoutRequest struct {
	Owner model.CartOwner
	// UserID defaults to Owner.UserID. Guests must pass the account the order
	// is placed for.
	UserID          uuid.UUID
	DiscountCode    string
	ShippingAddress model.Address
	// BillingAddress defaults to the shipping address.
	BillingAddress *model.Address
	ShippingMethod model.ShippingMethod
	Notes          string
}

// CheckoutService turns a cart into an order and settles it against payment.
// Stock is reserved at checkout, converted into a sale once payment is
// confirmed and released when payment fails or the order is cancelled.
type CheckoutService interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*model.Order, error)
	ConfirmPayment(ctx context.Context, orderID uuid.UUID, paymentReference string) error
	FailPayment(ctx context.Context, orderID uuid.UUID, reason string) error
	Cancel(ctx context.Context, orderID uuid.UUID, reason string) error
}

type CheckoutOption func(s *checkoutService)

func WithCurrency(currency string) CheckoutOption {
	return func(s *checkoutService) {
		if currency != "" {
			s.currency = currency
		}
	}
}

// NewCheckoutService accepts a nil TaxCalculator, in which case orders carry no
// tax.
func NewCheckoutService(
	carts model.CartRepository,
	orders model.OrderRepository,
	inventory InventoryLedger,
	discounts DiscountEngine,
	quoter model.ShippingQuoter,
	taxes model.TaxCalculator,
	dispatcher domain.EventDispatcher,
	logger logrus.FieldLogger,
	opts ...CheckoutOption,
) CheckoutService {
	s := &checkoutService{
		carts:      carts,
		orders:     orders,
		inventory:  inventory,
		discounts:  discounts,
		quoter:     quoter,
		taxes:      taxes,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "checkout"),
		currency:   model.DefaultCurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type checkoutService struct {
	carts      model.CartRepository
	orders     model.OrderRepository
	inventory  InventoryLedger
	discounts  DiscountEngine
	quoter     model.ShippingQuoter
	taxes      model.TaxCalculator
	dispatcher domain.EventDispatcher
	logger     logrus.FieldLogger
	currency   string
}

type pricedLine struct {
	product  *model.Product
	quantity int
}

func (l pricedLine) gross() decimal.Decimal {
	return l.product.Price.Mul(decimal.NewFromInt(int64(l.quantity)))
}

func (s *checkoutService) Checkout(ctx context.Context, req CheckoutRequest) (order *model.Order, err error) {
	ctx, span := tracer.Start(ctx, "checkout.Checkout", trace.WithAttributes(attribute.String("cart.owner", req.Owner.String())))
	defer func() { endSpan(span, err) }()

	userID := req.UserID
	if userID == uuid.Nil {
		userID = req.Owner.UserID
	}
	if userID == uuid.Nil {
		return nil, errors.Wrap(model.ErrInvalidCartOwner, "checkout needs a user to place the order for")
	}

	cart, err := s.carts.FindByOwner(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, model.ErrEmptyCart
	}

	shippingAddress := req.ShippingAddress
	billingAddress := shippingAddress
	if req.BillingAddress != nil {
		billingAddress = *req.BillingAddress
	}
	if err := shippingAddress.Validate(); err != nil {
		return nil, errors.Wrap(err, "shipping address")
	}
	if err := billingAddress.Validate(); err != nil {
		return nil, errors.Wrap(err, "billing address")
	}
	method := req.ShippingMethod
	if method == "" {
		method = model.ShippingStandard
	}

	lines, err := s.priceLines(ctx, cart)
	if err != nil {
		return nil, err
	}
	subtotal, itemCount := decimal.Zero, 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.gross())
		itemCount += line.quantity
	}

	shipping, err := s.quoter.Quote(ctx, method, subtotal, itemCount)
	if err != nil {
		return nil, errors.Wrapf(err, "quote %s shipping", method)
	}

	var discount *model.Discount
	eligible := make([]bool, len(lines))
	eligibleSubtotal := decimal.Zero
	if req.DiscountCode != "" {
		discount, eligibleSubtotal, err = s.resolveDiscount(ctx, req.DiscountCode, lines, eligible)
		if err != nil {
			return nil, err
		}
	}

	if err := s.carts.Claim(ctx, cart); err != nil {
		return nil, errors.Wrapf(err, "claim cart %s", req.Owner)
	}
	if err := s.reserveAll(ctx, lines); err != nil {
		s.restoreCart(ctx, cart)
		return nil, err
	}

	order, err = s.placeOrder(ctx, placement{
		userID:           userID,
		lines:            lines,
		discount:         discount,
		eligible:         eligible,
		eligibleSubtotal: eligibleSubtotal,
		shipping:         shipping,
		method:           method,
		shippingAddress:  shippingAddress,
		billingAddress:   billingAddress,
		notes:            req.Notes,
	})
	if err != nil {
		s.restoreCart(ctx, cart)
		return nil, err
	}

	span.SetAttributes(attribute.String("order.number", order.OrderNumber))
	s.logger.WithFields(logrus.Fields{
		"order": order.OrderNumber,
		"user":  userID,
		"total": order.Total.StringFixed(2),
	}).Info("order placed")
	dispatchEvents(s.dispatcher, s.logger, model.OrderCreated{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      userID,
		Total:       order.Total,
	})
	return order, nil
}

type placement struct {
	userID           uuid.UUID
	lines            []pricedLine
	discount         *model.Discount
	eligible         []bool
	eligibleSubtotal decimal.Decimal
	shipping         decimal.Decimal
	method           model.ShippingMethod
	shippingAddress  model.Address
	billingAddress   model.Address
	notes            string
}

// placeOrder runs once stock is held. Every failure path hands the
// reservations, and the discount redemption if one was taken, back before
// returning.
func (s *checkoutService) placeOrder(ctx context.Context, p placement) (*model.Order, error) {
	compensate := func(cause error, usageTaken bool) error {
		cleanup := context.WithoutCancel(ctx)
		s.releaseAll(cleanup, p.lines)
		if usageTaken {
			if err := s.discounts.ReleaseUsage(cleanup, p.discount.ID); err != nil {
				s.logger.WithError(err).WithField("code", p.discount.Code).Error("failed to release discount usage")
			}
		}
		return cause
	}

	discountAmount := decimal.Zero
	if p.discount != nil {
		if _, err := s.discounts.RecordUsage(ctx, p.discount.ID); err != nil {
			return nil, compensate(err, false)
		}
		discountAmount = s.discounts.CalculateDiscount(p.discount, p.eligibleSubtotal, p.shipping)
	}

	orderID, err := s.orders.NextID()
	if err != nil {
		return nil, compensate(err, p.discount != nil)
	}
	order := model.NewOrder(orderID, p.userID)
	order.Currency = s.currency
	order.ShippingAddress = p.shippingAddress
	order.BillingAddress = p.billingAddress
	order.ShippingMethod = p.method
	order.Notes = p.notes
	if p.discount != nil {
		order.DiscountCode = p.discount.Code
	}

	items := make([]model.OrderItem, len(p.lines))
	for i, line := range p.lines {
		items[i] = model.OrderItem{
			ID:             uuid.New(),
			ProductID:      line.product.ID,
			ProductName:    line.product.Name,
			SKU:            line.product.SKU,
			UnitPrice:      line.product.Price,
			Quantity:       line.quantity,
			DiscountAmount: decimal.Zero,
			TaxAmount:      decimal.Zero,
		}
	}
	if p.discount != nil && p.discount.Benefit.Type() != model.DiscountFreeShipping {
		allocateDiscount(items, p.eligible, p.eligibleSubtotal, discountAmount)
	}
	for _, item := range items {
		order.AddItem(item)
	}

	tax := decimal.Zero
	if s.taxes != nil {
		taxable := order.Subtotal
		if p.discount != nil && p.discount.Benefit.Type() != model.DiscountFreeShipping {
			taxable = taxable.Sub(discountAmount)
		}
		tax, err = s.taxes.Tax(ctx, p.shippingAddress, taxable)
		if err != nil {
			return nil, compensate(errors.Wrap(err, "calculate tax"), p.discount != nil)
		}
	}
	order.ApplyCharges(discountAmount, tax, p.shipping)

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, compensate(errors.Wrap(err, "create order"), p.discount != nil)
	}
	return order, nil
}

func (s *checkoutService) ConfirmPayment(ctx context.Context, orderID uuid.UUID, paymentReference string) (err error) {
	ctx, span := tracer.Start(ctx, "checkout.ConfirmPayment", trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer func() { endSpan(span, err) }()

	order, err := s.orders.Find(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.Confirm(paymentReference); err != nil {
		return err
	}
	if err := saveOrder(ctx, s.orders, order); err != nil {
		return err
	}

	for _, item := range order.Items {
		if err := s.inventory.ConfirmSale(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"order":    order.OrderNumber,
				"sku":      item.SKU,
				"quantity": item.Quantity,
			}).Error("failed to confirm sale for paid order")
			return errors.Wrapf(err, "confirm sale of %s for order %s", item.SKU, order.OrderNumber)
		}
	}

	s.logger.WithFields(logrus.Fields{"order": order.OrderNumber, "payment": paymentReference}).Info("payment confirmed")
	dispatchEvents(s.dispatcher, s.logger, model.OrderConfirmed{OrderID: order.ID, PaymentReference: paymentReference})
	return nil
}

func (s *checkoutService) FailPayment(ctx context.Context, orderID uuid.UUID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "checkout.FailPayment", trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer func() { endSpan(span, err) }()

	order, err := s.orders.Find(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.Fail(reason); err != nil {
		return err
	}
	if err := settleStock(ctx, s.orders, s.logger, order, releaseReservations(s.inventory)); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"order": order.OrderNumber, "reason": reason}).Warn("payment failed")
	dispatchEvents(s.dispatcher, s.logger, model.OrderPaymentFailed{OrderID: order.ID, Reason: reason})
	return nil
}

// Cancel gives the stock back together with the status change: held
// reservations for an unpaid order, sold units for a paid one. When the stock
// cannot be moved the order keeps its status.
func (s *checkoutService) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "checkout.Cancel", trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer func() { endSpan(span, err) }()

	order, err := s.orders.Find(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.IsCancellable() {
		return &model.InvalidOrderStateError{Current: order.Status, Attempted: model.Cancelled}
	}

	previous := order.Status
	if err := order.Cancel(reason); err != nil {
		return err
	}
	stock := returnSales(s.inventory)
	if previous == model.Pending {
		stock = releaseReservations(s.inventory)
	}
	if err := settleStock(ctx, s.orders, s.logger, order, stock); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order":  order.OrderNumber,
		"from":   previous.String(),
		"reason": reason,
	}).Info("order cancelled")
	dispatchEvents(s.dispatcher, s.logger, model.OrderCancelled{OrderID: order.ID, Reason: reason})
	return nil
}

func (s *checkoutService) priceLines(ctx context.Context, cart *model.Cart) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		product, err := s.inventory.Get(ctx, item.ProductID)
		if err != nil {
			return nil, errors.Wrapf(err, "load product %s", item.SKU)
		}
		lines = append(lines, pricedLine{product: product, quantity: item.Quantity})
	}
	sort.Slice(lines, func(i, j int) bool {
		return bytes.Compare(lines[i].product.ID[:], lines[j].product.ID[:]) < 0
	})
	return lines, nil
}

// resolveDiscount marks eligible lines in place and returns the subtotal the
// discount is priced against. A minimum order amount applies to that subtotal.
func (s *checkoutService) resolveDiscount(ctx context.Context, code string, lines []pricedLine, eligible []bool) (*model.Discount, decimal.Decimal, error) {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.gross())
	}
	discount, err := s.discounts.Resolve(ctx, code, subtotal)
	if err != nil {
		return nil, decimal.Zero, err
	}

	eligibleSubtotal := decimal.Zero
	for i, line := range lines {
		if s.discounts.AppliesToProduct(discount, line.product) {
			eligible[i] = true
			eligibleSubtotal = eligibleSubtotal.Add(line.gross())
		}
	}
	if !eligibleSubtotal.IsPositive() {
		return nil, decimal.Zero, &model.InvalidDiscountError{Code: discount.Code, Reason: reasonNotApplicable}
	}
	if !s.discounts.IsApplicableToAmount(discount, eligibleSubtotal) {
		return nil, decimal.Zero, &model.InvalidDiscountError{Code: discount.Code, Reason: reasonBelowMinimum}
	}
	return discount, eligibleSubtotal, nil
}

// restoreCart puts a claimed cart back after the checkout that claimed it
// failed.
func (s *checkoutService) restoreCart(ctx context.Context, cart *model.Cart) {
	if err := s.carts.Create(context.WithoutCancel(ctx), cart); err != nil {
		s.logger.WithError(err).WithField("cart", cart.Owner.String()).Error("failed to restore cart after aborted checkout")
	}
}

func (s *checkoutService) reserveAll(ctx context.Context, lines []pricedLine) error {
	for i, line := range lines {
		if err := s.inventory.Reserve(ctx, line.product.ID, line.quantity); err != nil {
			s.logger.WithError(err).WithField("sku", line.product.SKU).Info("reservation failed, rolling back checkout")
			s.releaseAll(context.WithoutCancel(ctx), lines[:i])
			return err
		}
	}
	return nil
}

func (s *checkoutService) releaseAll(ctx context.Context, lines []pricedLine) {
	for _, line := range lines {
		if err := s.inventory.Release(ctx, line.product.ID, line.quantity); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"sku":      line.product.SKU,
				"quantity": line.quantity,
			}).Error("failed to release reservation")
		}
	}
}

// allocateDiscount spreads amount over the eligible items in proportion to
// their gross, rounded to cents. The last eligible item takes the remainder so
// the parts always add up to amount.
func allocateDiscount(items []model.OrderItem, eligible []bool, eligibleSubtotal, amount decimal.Decimal) {
	if !amount.IsPositive() || !eligibleSubtotal.IsPositive() {
		return
	}
	last := -1
	for i := range items {
		if eligible[i] {
			last = i
		}
	}

	allocated := decimal.Zero
	for i := range items {
		if !eligible[i] {
			continue
		}
		if i == last {
			items[i].DiscountAmount = amount.Sub(allocated)
			return
		}
		share := amount.Mul(items[i].Gross()).Div(eligibleSubtotal).Round(2)
		items[i].DiscountAmount = share
		allocated = allocated.Add(share)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
