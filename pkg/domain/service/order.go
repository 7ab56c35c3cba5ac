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

// OrderService drives an order through fulfillment once payment has settled.
type OrderService interface {
	Get(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*model.Order, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error)

	StartProcessing(ctx context.Context, orderID uuid.UUID) error
	MarkShipped(ctx context.Context, orderID uuid.UUID, trackingNumber string) error
	MarkOutForDelivery(ctx context.Context, orderID uuid.UUID) error
	MarkDelivered(ctx context.Context, orderID uuid.UUID) error
	RequestReturn(ctx context.Context, orderID uuid.UUID) error
	MarkReturned(ctx context.Context, orderID uuid.UUID) error
	MarkRefunded(ctx context.Context, orderID uuid.UUID) error
}

func NewOrderService(repo model.OrderRepository, inventory InventoryLedger, dispatcher domain.EventDispatcher, logger logrus.FieldLogger) OrderService {
	return &orderService{
		repo:       repo,
		inventory:  inventory,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "order"),
	}
}

type orderService struct {
	repo       model.OrderRepository
	inventory  InventoryLedger
	dispatcher domain.EventDispatcher
	logger     logrus.FieldLogger
}

func (s *orderService) Get(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.repo.Find(ctx, orderID)
}

func (s *orderService) GetByNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	return s.repo.FindByNumber(ctx, orderNumber)
}

func (s *orderService) ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	return s.repo.FindByUser(ctx, userID)
}

func (s *orderService) StartProcessing(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.StartProcessing()
	}, nil)
	return err
}

func (s *orderService) MarkShipped(ctx context.Context, orderID uuid.UUID, trackingNumber string) error {
	order, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.Ship(trackingNumber)
	}, nil)
	if err != nil {
		return err
	}
	dispatchEvents(s.dispatcher, s.logger, model.OrderShipped{OrderID: order.ID, TrackingNumber: trackingNumber})
	return nil
}

func (s *orderService) MarkOutForDelivery(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.MarkOutForDelivery()
	}, nil)
	return err
}

func (s *orderService) MarkDelivered(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.Deliver()
	}, nil)
	return err
}

func (s *orderService) RequestReturn(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.RequestReturn()
	}, nil)
	return err
}

// MarkReturned puts every returned line back on the shelf. The order stays
// ReturnRequested unless all of its stock made it back.
func (s *orderService) MarkReturned(ctx context.Context, orderID uuid.UUID) error {
	stock := returnSales(s.inventory)
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.MarkReturned()
	}, &stock)
	return err
}

func (s *orderService) MarkRefunded(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.executeOnOrder(ctx, orderID, func(o *model.Order) error {
		return o.Refund()
	}, nil)
	return err
}

// executeOnOrder applies action and stores the result. A non-nil stock
// movement is settled together with the save.
func (s *orderService) executeOnOrder(ctx context.Context, orderID uuid.UUID, action func(o *model.Order) error, stock *stockMovement) (*model.Order, error) {
	order, err := s.repo.Find(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if err := action(order); err != nil {
		return nil, err
	}
	if stock != nil {
		err = settleStock(ctx, s.repo, s.logger, order, *stock)
	} else {
		err = saveOrder(ctx, s.repo, order)
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order": order.OrderNumber,
		"from":  from.String(),
		"to":    order.Status.String(),
	}).Info("order status changed")
	dispatchEvents(s.dispatcher, s.logger, model.OrderStatusChanged{
		OrderID: order.ID,
		From:    from.String(),
		To:      order.Status.String(),
	})
	return order, nil
}

func saveOrder(ctx context.Context, repo model.OrderRepository, order *model.Order) error {
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	if err := repo.Update(ctx, order); err != nil {
		return errors.Wrapf(err, "save order %s", order.OrderNumber)
	}
	return nil
}

// stockMovement shifts an order's units between stock buckets. undo reverses
// one completed move.
type stockMovement struct {
	move func(ctx context.Context, productID uuid.UUID, quantity int) error
	undo func(ctx context.Context, productID uuid.UUID, quantity int) error
}

func releaseReservations(inventory InventoryLedger) stockMovement {
	return stockMovement{move: inventory.Release, undo: inventory.Reserve}
}

func returnSales(inventory InventoryLedger) stockMovement {
	return stockMovement{
		move: inventory.ReturnSale,
		undo: func(ctx context.Context, productID uuid.UUID, quantity int) error {
			if err := inventory.Reserve(ctx, productID, quantity); err != nil {
				return err
			}
			return inventory.ConfirmSale(ctx, productID, quantity)
		},
	}
}

// settleStock moves the stock of every line and then saves the order. If
// either step fails the lines already moved are moved back and the stored
// order keeps its previous status, so the transition can be retried.
func settleStock(ctx context.Context, repo model.OrderRepository, logger logrus.FieldLogger, order *model.Order, m stockMovement) error {
	for i, item := range order.Items {
		if err := m.move(ctx, item.ProductID, item.Quantity); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"order":    order.OrderNumber,
				"sku":      item.SKU,
				"quantity": item.Quantity,
			}).Error("failed to move stock for order item")
			undoStock(ctx, logger, order, order.Items[:i], m)
			return errors.Wrapf(err, "move stock of %s for order %s", item.SKU, order.OrderNumber)
		}
	}
	if err := saveOrder(ctx, repo, order); err != nil {
		undoStock(ctx, logger, order, order.Items, m)
		return err
	}
	return nil
}

func undoStock(ctx context.Context, logger logrus.FieldLogger, order *model.Order, items []model.OrderItem, m stockMovement) {
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if err := m.undo(ctx, item.ProductID, item.Quantity); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"order":    order.OrderNumber,
				"sku":      item.SKU,
				"quantity": item.Quantity,
			}).Error("failed to undo stock movement for order item")
		}
	}
}
