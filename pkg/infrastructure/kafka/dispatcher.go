package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

const defaultWriteTimeout = 5 * time.Second

// Writer is the part of *kafka.Writer the dispatcher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// EventDispatcher publishes domain events as JSON envelopes. Messages are keyed
// by the aggregate they concern so that events of one order stay in order.
type EventDispatcher struct {
	writer  Writer
	logger  logrus.FieldLogger
	timeout time.Duration
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewEventDispatcher(writer Writer, logger logrus.FieldLogger) *EventDispatcher {
	return &EventDispatcher{
		writer:  writer,
		logger:  logger.WithField("component", "kafka"),
		timeout: defaultWriteTimeout,
	}
}

func (d *EventDispatcher) Dispatch(event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event.Type())
	}
	value, err := json.Marshal(envelope{
		Type:       event.Type(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s envelope", event.Type())
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type())},
		},
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s", event.Type())
	}
	d.logger.WithField("event", event.Type()).Debug("event published")
	return nil
}

func (d *EventDispatcher) Close() error {
	return d.writer.Close()
}

func partitionKey(event domain.Event) string {
	switch e := event.(type) {
	case model.ProductStockChanged:
		return e.ProductID.String()
	case model.LowStockAlert:
		return e.ProductID.String()
	case model.DiscountRedeemed:
		return e.DiscountID.String()
	case model.GuestCartMerged:
		return e.UserID.String()
	case model.OrderCreated:
		return e.OrderID.String()
	case model.OrderConfirmed:
		return e.OrderID.String()
	case model.OrderPaymentFailed:
		return e.OrderID.String()
	case model.OrderStatusChanged:
		return e.OrderID.String()
	case model.OrderShipped:
		return e.OrderID.String()
	case model.OrderCancelled:
		return e.OrderID.String()
	}
	return event.Type()
}
