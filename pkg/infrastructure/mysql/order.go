package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"commerce/pkg/domain/model"
)

const orderColumns = `id, order_number, user_id, status, shipping_address, billing_address, shipping_method,
	discount_code, subtotal, discount_amount, tax_amount, shipping_amount, total, currency, payment_reference,
	tracking_number, notes, cancellation_reason, failure_reason, cancelled_at, completed_at, version,
	created_at, updated_at`

const orderItemColumns = `id, order_id, position, product_id, product_name, sku, unit_price, quantity,
	discount_amount, tax_amount`

// addressJSON stores an address in a JSON column.
type addressJSON model.Address

func (a addressJSON) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *addressJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = addressJSON{}
		return nil
	}
	return errors.Errorf("cannot scan %T into address", src)
}

type orderRow struct {
	ID                 uuid.UUID       `db:"id"`
	OrderNumber        string          `db:"order_number"`
	UserID             uuid.UUID       `db:"user_id"`
	Status             string          `db:"status"`
	ShippingAddress    addressJSON     `db:"shipping_address"`
	BillingAddress     addressJSON     `db:"billing_address"`
	ShippingMethod     string          `db:"shipping_method"`
	DiscountCode       string          `db:"discount_code"`
	Subtotal           decimal.Decimal `db:"subtotal"`
	DiscountAmount     decimal.Decimal `db:"discount_amount"`
	TaxAmount          decimal.Decimal `db:"tax_amount"`
	ShippingAmount     decimal.Decimal `db:"shipping_amount"`
	Total              decimal.Decimal `db:"total"`
	Currency           string          `db:"currency"`
	PaymentReference   string          `db:"payment_reference"`
	TrackingNumber     string          `db:"tracking_number"`
	Notes              string          `db:"notes"`
	CancellationReason string          `db:"cancellation_reason"`
	FailureReason      string          `db:"failure_reason"`
	CancelledAt        sql.NullTime    `db:"cancelled_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
	Version            int             `db:"version"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

type orderItemRow struct {
	ID             uuid.UUID       `db:"id"`
	OrderID        uuid.UUID       `db:"order_id"`
	Position       int             `db:"position"`
	ProductID      uuid.UUID       `db:"product_id"`
	ProductName    string          `db:"product_name"`
	SKU            string          `db:"sku"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	Quantity       int             `db:"quantity"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	TaxAmount      decimal.Decimal `db:"tax_amount"`
}

func newOrderRow(o *model.Order) orderRow {
	return orderRow{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		UserID:             o.UserID,
		Status:             o.Status.String(),
		ShippingAddress:    addressJSON(o.ShippingAddress),
		BillingAddress:     addressJSON(o.BillingAddress),
		ShippingMethod:     string(o.ShippingMethod),
		DiscountCode:       o.DiscountCode,
		Subtotal:           o.Subtotal,
		DiscountAmount:     o.DiscountAmount,
		TaxAmount:          o.TaxAmount,
		ShippingAmount:     o.ShippingAmount,
		Total:              o.Total,
		Currency:           o.Currency,
		PaymentReference:   o.PaymentReference,
		TrackingNumber:     o.TrackingNumber,
		Notes:              o.Notes,
		CancellationReason: o.CancellationReason,
		FailureReason:      o.FailureReason,
		CancelledAt:        nullTime(o.CancelledAt),
		CompletedAt:        nullTime(o.CompletedAt),
		Version:            o.Version,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func (r orderRow) toModel(items []orderItemRow) (*model.Order, error) {
	status, err := model.ParseOrderStatus(r.Status)
	if err != nil {
		return nil, errors.Wrapf(err, "order %s", r.OrderNumber)
	}
	o := &model.Order{
		ID:                 r.ID,
		OrderNumber:        r.OrderNumber,
		UserID:             r.UserID,
		Status:             status,
		ShippingAddress:    model.Address(r.ShippingAddress),
		BillingAddress:     model.Address(r.BillingAddress),
		ShippingMethod:     model.ShippingMethod(r.ShippingMethod),
		DiscountCode:       r.DiscountCode,
		Subtotal:           r.Subtotal,
		DiscountAmount:     r.DiscountAmount,
		TaxAmount:          r.TaxAmount,
		ShippingAmount:     r.ShippingAmount,
		Total:              r.Total,
		Currency:           r.Currency,
		PaymentReference:   r.PaymentReference,
		TrackingNumber:     r.TrackingNumber,
		Notes:              r.Notes,
		CancellationReason: r.CancellationReason,
		FailureReason:      r.FailureReason,
		CancelledAt:        timePtr(r.CancelledAt),
		CompletedAt:        timePtr(r.CompletedAt),
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	for _, item := range items {
		o.Items = append(o.Items, model.OrderItem{
			ID:             item.ID,
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			SKU:            item.SKU,
			UnitPrice:      item.UnitPrice,
			Quantity:       item.Quantity,
			DiscountAmount: item.DiscountAmount,
			TaxAmount:      item.TaxAmount,
		})
	}
	return o, nil
}

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) NextID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

// Create stores the order and its item snapshot in one transaction.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :order_number, :user_id, :status, :shipping_address, :billing_address, :shipping_method,
			:discount_code, :subtotal, :discount_amount, :tax_amount, :shipping_amount, :total, :currency,
			:payment_reference, :tracking_number, :notes, :cancellation_reason, :failure_reason, :cancelled_at,
			:completed_at, :version, :created_at, :updated_at)`, newOrderRow(order))
	if err != nil {
		return errors.Wrapf(err, "insert order %s", order.OrderNumber)
	}

	if len(order.Items) > 0 {
		items := make([]orderItemRow, 0, len(order.Items))
		for i, item := range order.Items {
			items = append(items, orderItemRow{
				ID:             item.ID,
				OrderID:        order.ID,
				Position:       i,
				ProductID:      item.ProductID,
				ProductName:    item.ProductName,
				SKU:            item.SKU,
				UnitPrice:      item.UnitPrice,
				Quantity:       item.Quantity,
				DiscountAmount: item.DiscountAmount,
				TaxAmount:      item.TaxAmount,
			})
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO order_items (`+orderItemColumns+`)
			VALUES (:id, :order_id, :position, :product_id, :product_name, :sku, :unit_price, :quantity,
				:discount_amount, :tax_amount)`, items)
		if err != nil {
			return errors.Wrapf(err, "insert items of order %s", order.OrderNumber)
		}
	}
	return errors.Wrap(tx.Commit(), "commit order")
}

func (r *OrderRepository) Find(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = ?`, orderNumber)
}

func (r *OrderRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	var rows []orderRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "select orders of user %s", userID)
	}
	orders := make([]*model.Order, 0, len(rows))
	for _, row := range rows {
		order, err := r.withItems(ctx, row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Update persists status, references and charges. Items are a snapshot taken
// at checkout and are never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order *model.Order) error {
	row := newOrderRow(order)
	res, err := r.db.ExecContext(ctx, `UPDATE orders
		SET status = ?, discount_amount = ?, tax_amount = ?, shipping_amount = ?, subtotal = ?, total = ?,
			payment_reference = ?, tracking_number = ?, cancellation_reason = ?, failure_reason = ?,
			cancelled_at = ?, completed_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		row.Status, row.DiscountAmount, row.TaxAmount, row.ShippingAmount, row.Subtotal, row.Total,
		row.PaymentReference, row.TrackingNumber, row.CancellationReason, row.FailureReason,
		row.CancelledAt, row.CompletedAt, row.Version, row.UpdatedAt,
		row.ID, row.Version-1,
	)
	if err != nil {
		return errors.Wrapf(err, "update order %s", order.OrderNumber)
	}
	return checkVersionedWrite(res)
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg interface{}) (*model.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewEntityNotFound("order", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return r.withItems(ctx, row)
}

func (r *OrderRepository) withItems(ctx context.Context, row orderRow) (*model.Order, error) {
	var items []orderItemRow
	err := r.db.SelectContext(ctx, &items, `SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ? ORDER BY position`, row.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "select items of order %s", row.OrderNumber)
	}
	return row.toModel(items)
}
