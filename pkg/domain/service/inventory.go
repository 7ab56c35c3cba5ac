package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

const (
	opReserve     = "reserve"
	opRelease     = "release"
	opConfirmSale = "confirm_sale"
	opReceive     = "receive"
	opReturnSale  = "return_sale"
)

type InventoryLedger interface {
	Get(ctx context.Context, productID uuid.UUID) (*model.Product, error)
	AvailableQuantity(ctx context.Context, productID uuid.UUID) (int, error)
	IsInStock(ctx context.Context, productID uuid.UUID) (bool, error)
	IsLowStock(ctx context.Context, productID uuid.UUID) (bool, error)

	Reserve(ctx context.Context, productID uuid.UUID, quantity int) error
	Release(ctx context.Context, productID uuid.UUID, quantity int) error
	ConfirmSale(ctx context.Context, productID uuid.UUID, quantity int) error
	ReceiveStock(ctx context.Context, productID uuid.UUID, quantity int) error
	ReturnSale(ctx context.Context, productID uuid.UUID, quantity int) error
}

func NewInventoryLedger(repo model.ProductRepository, dispatcher domain.EventDispatcher, logger logrus.FieldLogger, maxAttempts int) InventoryLedger {
	return &inventoryLedger{
		repo:        repo,
		dispatcher:  dispatcher,
		logger:      logger.WithField("component", "inventory"),
		maxAttempts: attemptsOrDefault(maxAttempts),
	}
}

type inventoryLedger struct {
	repo        model.ProductRepository
	dispatcher  domain.EventDispatcher
	logger      logrus.FieldLogger
	maxAttempts int
}

func (l *inventoryLedger) Get(ctx context.Context, productID uuid.UUID) (*model.Product, error) {
	return l.repo.Find(ctx, productID)
}

func (l *inventoryLedger) AvailableQuantity(ctx context.Context, productID uuid.UUID) (int, error) {
	product, err := l.repo.Find(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.AvailableQuantity(), nil
}

func (l *inventoryLedger) IsInStock(ctx context.Context, productID uuid.UUID) (bool, error) {
	product, err := l.repo.Find(ctx, productID)
	if err != nil {
		return false, err
	}
	return product.IsInStock(), nil
}

func (l *inventoryLedger) IsLowStock(ctx context.Context, productID uuid.UUID) (bool, error) {
	product, err := l.repo.Find(ctx, productID)
	if err != nil {
		return false, err
	}
	return product.IsLowStock(), nil
}

func (l *inventoryLedger) Reserve(ctx context.Context, productID uuid.UUID, quantity int) error {
	return l.mutate(ctx, productID, opReserve, quantity, func(p *model.Product) error {
		return p.Reserve(quantity)
	})
}

func (l *inventoryLedger) Release(ctx context.Context, productID uuid.UUID, quantity int) error {
	return l.mutate(ctx, productID, opRelease, quantity, func(p *model.Product) error {
		released, err := p.Release(quantity)
		if err == nil && released < quantity {
			l.logger.WithFields(logrus.Fields{
				"sku":       p.SKU,
				"requested": quantity,
				"released":  released,
			}).Warn("released less than requested")
		}
		return err
	})
}

func (l *inventoryLedger) ConfirmSale(ctx context.Context, productID uuid.UUID, quantity int) error {
	err := l.mutate(ctx, productID, opConfirmSale, quantity, func(p *model.Product) error {
		return p.ConfirmSale(quantity)
	})
	if errors.Is(err, model.ErrInvalidState) {
		l.logger.WithError(err).WithField("product_id", productID).Error("confirmed sale exceeds reserved quantity")
	}
	return err
}

func (l *inventoryLedger) ReceiveStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	return l.mutate(ctx, productID, opReceive, quantity, func(p *model.Product) error {
		return p.ReceiveStock(quantity)
	})
}

func (l *inventoryLedger) ReturnSale(ctx context.Context, productID uuid.UUID, quantity int) error {
	return l.mutate(ctx, productID, opReturnSale, quantity, func(p *model.Product) error {
		return p.ReturnSale(quantity)
	})
}

// mutate applies action to a fresh copy of the product and stores it with a
// version check, retrying from a new read whenever another writer got there
// first.
func (l *inventoryLedger) mutate(ctx context.Context, productID uuid.UUID, op string, quantity int, action func(p *model.Product) error) error {
	if quantity <= 0 {
		return model.ErrInvalidQuantity
	}
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		product, err := l.repo.Find(ctx, productID)
		if err != nil {
			return err
		}
		wasLow := product.IsLowStock()

		if err := action(product); err != nil {
			return err
		}

		product.Version++
		product.UpdatedAt = time.Now().UTC()
		err = l.repo.Update(ctx, product)
		if errors.Is(err, model.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "%s stock for product %s", op, product.SKU)
		}

		l.afterMutation(product, op, quantity, wasLow)
		return nil
	}
	return errors.Wrapf(model.ErrOptimisticLock, "%s stock for product %s: gave up after %d attempts", op, productID, l.maxAttempts)
}

func (l *inventoryLedger) afterMutation(product *model.Product, op string, quantity int, wasLow bool) {
	events := []domain.Event{model.ProductStockChanged{
		ProductID: product.ID,
		SKU:       product.SKU,
		Operation: op,
		Quantity:  quantity,
		Stock:     product.StockQuantity,
		Reserved:  product.ReservedQuantity,
	}}
	if !wasLow && product.IsLowStock() {
		events = append(events, model.LowStockAlert{
			ProductID: product.ID,
			SKU:       product.SKU,
			Available: product.AvailableQuantity(),
			Threshold: product.LowStockThreshold,
		})
	}
	dispatchEvents(l.dispatcher, l.logger, events...)
}
