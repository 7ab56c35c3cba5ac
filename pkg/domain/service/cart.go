package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

type CartService interface {
	GetCart(ctx context.Context, owner model.CartOwner) (*model.Cart, error)
	AddItem(ctx context.Context, owner model.CartOwner, productID uuid.UUID, quantity int) (*model.Cart, error)
	UpdateItemQuantity(ctx context.Context, owner model.CartOwner, itemID uuid.UUID, quantity int) (*model.Cart, error)
	RemoveItem(ctx context.Context, owner model.CartOwner, itemID uuid.UUID) (*model.Cart, error)
	ApplyDiscountCode(ctx context.Context, owner model.CartOwner, code string) (*model.Cart, error)
	RemoveDiscountCode(ctx context.Context, owner model.CartOwner) (*model.Cart, error)
	Clear(ctx context.Context, owner model.CartOwner) error
	// MergeGuestCart moves the session's lines into the user's cart. Lines
	// whose product cannot be loaded or no longer fits into available stock are
	// skipped, and the guest cart is deleted either way.
	MergeGuestCart(ctx context.Context, userID uuid.UUID, sessionID string) (*model.Cart, error)
}

func NewCartService(repo model.CartRepository, inventory InventoryLedger, discounts DiscountEngine, dispatcher domain.EventDispatcher, logger logrus.FieldLogger) CartService {
	return &cartService{
		repo:       repo,
		inventory:  inventory,
		discounts:  discounts,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "cart"),
		locks:      newKeyedMutex(),
	}
}

type cartService struct {
	repo       model.CartRepository
	inventory  InventoryLedger
	discounts  DiscountEngine
	dispatcher domain.EventDispatcher
	logger     logrus.FieldLogger
	locks      *keyedMutex
}

func (s *cartService) GetCart(ctx context.Context, owner model.CartOwner) (*model.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(owner.String())
	defer unlock()

	return s.getOrCreate(ctx, owner)
}

func (s *cartService) AddItem(ctx context.Context, owner model.CartOwner, productID uuid.UUID, quantity int) (*model.Cart, error) {
	return s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		product, err := s.inventory.Get(ctx, productID)
		if err != nil {
			return err
		}
		if err := cart.AddItem(product, quantity); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{"cart": owner.String(), "sku": product.SKU, "quantity": quantity}).Info("added product to cart")
		return nil
	})
}

func (s *cartService) UpdateItemQuantity(ctx context.Context, owner model.CartOwner, itemID uuid.UUID, quantity int) (*model.Cart, error) {
	return s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		item, ok := cart.Item(itemID)
		if !ok {
			return model.NewEntityNotFound("cart item", itemID)
		}
		if quantity <= 0 {
			return cart.UpdateItemQuantity(itemID, quantity, nil)
		}
		product, err := s.inventory.Get(ctx, item.ProductID)
		if err != nil {
			return err
		}
		return cart.UpdateItemQuantity(itemID, quantity, product)
	})
}

func (s *cartService) RemoveItem(ctx context.Context, owner model.CartOwner, itemID uuid.UUID) (*model.Cart, error) {
	return s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		return cart.RemoveItem(itemID)
	})
}

func (s *cartService) ApplyDiscountCode(ctx context.Context, owner model.CartOwner, code string) (*model.Cart, error) {
	return s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		discount, amount, err := s.priceDiscount(ctx, cart, code)
		if err != nil {
			return err
		}
		cart.ApplyDiscount(discount.Code, amount)
		return nil
	})
}

func (s *cartService) RemoveDiscountCode(ctx context.Context, owner model.CartOwner) (*model.Cart, error) {
	return s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		cart.RemoveDiscount()
		return nil
	})
}

func (s *cartService) Clear(ctx context.Context, owner model.CartOwner) error {
	_, err := s.executeOnCart(ctx, owner, func(cart *model.Cart) error {
		cart.Clear()
		return nil
	})
	return err
}

func (s *cartService) MergeGuestCart(ctx context.Context, userID uuid.UUID, sessionID string) (*model.Cart, error) {
	userOwner := model.UserOwner(userID)
	guestOwner := model.SessionOwner(sessionID)
	if err := userOwner.Validate(); err != nil {
		return nil, err
	}
	if err := guestOwner.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userOwner.String(), guestOwner.String())
	defer unlock()

	userCart, err := s.getOrCreate(ctx, userOwner)
	if err != nil {
		return nil, err
	}
	guestCart, err := s.repo.FindByOwner(ctx, guestOwner)
	if errors.Is(err, model.ErrEntityNotFound) {
		return userCart, nil
	}
	if err != nil {
		return nil, err
	}

	merged, skipped := 0, 0
	for _, line := range guestCart.Items {
		log := s.logger.WithFields(logrus.Fields{"session": sessionID, "sku": line.SKU, "quantity": line.Quantity})

		product, err := s.inventory.Get(ctx, line.ProductID)
		if errors.Is(err, model.ErrEntityNotFound) {
			log.Warn("skipping guest cart line for a product that no longer exists")
			skipped++
			continue
		}
		if err != nil {
			log.WithError(err).Error("skipping guest cart line, product lookup failed")
			skipped++
			continue
		}

		if err := userCart.AddItem(product, line.Quantity); err != nil {
			if errors.Is(err, model.ErrInsufficientStock) {
				log.WithError(err).Warn("could not merge cart item due to insufficient stock")
				skipped++
				continue
			}
			return nil, err
		}
		merged++
	}

	if err := s.repriceDiscount(ctx, userCart); err != nil {
		return nil, err
	}
	if err := s.save(ctx, userCart); err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, guestOwner); err != nil && !errors.Is(err, model.ErrEntityNotFound) {
		return nil, errors.Wrap(err, "delete guest cart")
	}

	dispatchEvents(s.dispatcher, s.logger, model.GuestCartMerged{
		UserID:       userID,
		SessionID:    sessionID,
		MergedLines:  merged,
		SkippedLines: skipped,
	})
	return userCart, nil
}

func (s *cartService) executeOnCart(ctx context.Context, owner model.CartOwner, action func(cart *model.Cart) error) (*model.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(owner.String())
	defer unlock()

	cart, err := s.getOrCreate(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := action(cart); err != nil {
		return nil, err
	}
	if err := s.repriceDiscount(ctx, cart); err != nil {
		return nil, err
	}
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *cartService) getOrCreate(ctx context.Context, owner model.CartOwner) (*model.Cart, error) {
	cart, err := s.repo.FindByOwner(ctx, owner)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, model.ErrEntityNotFound) {
		return nil, err
	}

	id, err := s.repo.NextID()
	if err != nil {
		return nil, err
	}
	cart, err = model.NewCart(id, owner)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// repriceDiscount keeps an applied code in line with the current lines and
// drops it once it stops being valid for them.
func (s *cartService) repriceDiscount(ctx context.Context, cart *model.Cart) error {
	if cart.DiscountCode == "" {
		return nil
	}
	discount, amount, err := s.priceDiscount(ctx, cart, cart.DiscountCode)
	if errors.Is(err, model.ErrInvalidDiscount) {
		s.logger.WithError(err).WithField("code", cart.DiscountCode).Info("removing discount from cart")
		cart.RemoveDiscount()
		return nil
	}
	if err != nil {
		return err
	}
	cart.ApplyDiscount(discount.Code, amount)
	return nil
}

// priceDiscount prices code against the cart lines it covers. Lines whose
// product is gone no longer count.
func (s *cartService) priceDiscount(ctx context.Context, cart *model.Cart, code string) (*model.Discount, decimal.Decimal, error) {
	discount, err := s.discounts.Resolve(ctx, code, cart.Subtotal())
	if err != nil {
		return nil, decimal.Zero, err
	}

	eligible := decimal.Zero
	for _, item := range cart.Items {
		product, err := s.inventory.Get(ctx, item.ProductID)
		if errors.Is(err, model.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return nil, decimal.Zero, errors.Wrapf(err, "load product %s", item.SKU)
		}
		if s.discounts.AppliesToProduct(discount, product) {
			eligible = eligible.Add(item.Total())
		}
	}
	if !eligible.IsPositive() {
		return nil, decimal.Zero, &model.InvalidDiscountError{Code: discount.Code, Reason: reasonNotApplicable}
	}
	if !s.discounts.IsApplicableToAmount(discount, eligible) {
		return nil, decimal.Zero, &model.InvalidDiscountError{Code: discount.Code, Reason: reasonBelowMinimum}
	}
	return discount, s.discounts.CalculateDiscount(discount, eligible, decimal.Zero), nil
}

func (s *cartService) save(ctx context.Context, cart *model.Cart) error {
	cart.Version++
	cart.UpdatedAt = time.Now().UTC()
	return s.repo.Update(ctx, cart)
}

// keyedMutex gives exclusive access per cart without serialising unrelated
// carts.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires every key in sorted order and returns the matching unlock.
func (k *keyedMutex) Lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	held := make([]*keyedLock, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &keyedLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
