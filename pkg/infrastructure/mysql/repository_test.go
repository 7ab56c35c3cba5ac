package mysql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce/pkg/domain/model"
)

func setupDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return sqlx.NewDb(db, "mysql"), mock
}

var productColumnNames = []string{
	"id", "sku", "name", "price", "category_id", "stock_quantity", "reserved_quantity",
	"low_stock_threshold", "total_sales", "version", "created_at", "updated_at",
}

func TestProductRepositoryFind(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewProductRepository(db)
	id, category := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id = ?")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(productColumnNames).
			AddRow(id.String(), "SKU-1", "Chair", "49.90", category.String(), 12, 2, 5, 7, 3, now, now))

	product, err := repo.Find(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, id, product.ID)
	assert.True(t, decimal.RequireFromString("49.90").Equal(product.Price))
	require.NotNil(t, product.CategoryID)
	assert.Equal(t, category, *product.CategoryID)
	assert.Equal(t, 10, product.AvailableQuantity())
	assert.Equal(t, 3, product.Version)
}

func TestProductRepositoryFindMissing(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewProductRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM products WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(productColumnNames))

	_, err := repo.Find(context.Background(), uuid.New())

	assert.ErrorIs(t, err, model.ErrEntityNotFound)
}

func TestProductRepositoryUpdateChecksVersion(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewProductRepository(db)
	product := &model.Product{ID: uuid.New(), SKU: "SKU-2", Price: decimal.NewFromInt(5), StockQuantity: 4, Version: 6}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE products")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 4, 0, 0, 0, 6, sqlmock.AnyArg(), product.ID, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Update(context.Background(), product))
	assert.ErrorIs(t, repo.Update(context.Background(), product), model.ErrOptimisticLock)
}

func TestProductRepositoryCreate(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewProductRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO products")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.Product{ID: uuid.New(), SKU: "SKU-3", Price: decimal.NewFromInt(1), Version: 1})
	assert.NoError(t, err)
}

var discountColumnNames = []string{
	"id", "code", "description", "type", "value", "buy_quantity", "get_quantity",
	"minimum_order_amount", "maximum_discount_amount", "starts_at", "ends_at", "usage_limit", "usage_count",
	"active", "version", "created_at", "updated_at",
}

func TestDiscountRepositoryFindByCode(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewDiscountRepository(db)
	id, product, category := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM discounts WHERE code = ?")).
		WithArgs("SUMMER").
		WillReturnRows(sqlmock.NewRows(discountColumnNames).
			AddRow(id.String(), "SUMMER", "", "PERCENTAGE", "15.00", nil, nil, "50.00", "20.00", nil, now.Add(time.Hour), 100, 4, true, 2, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM discount_scope WHERE discount_id = ?")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"discount_id", "kind", "target_id"}).
			AddRow(id.String(), "product", product.String()).
			AddRow(id.String(), "category", category.String()))

	discount, err := repo.FindByCode(context.Background(), "SUMMER")

	require.NoError(t, err)
	assert.Equal(t, model.Percentage{Percent: decimal.RequireFromString("15.00")}.Type(), discount.Benefit.Type())
	assert.True(t, decimal.NewFromInt(15).Equal(discount.Benefit.(model.Percentage).Percent))
	require.NotNil(t, discount.MinimumOrderAmount)
	assert.True(t, decimal.NewFromInt(50).Equal(*discount.MinimumOrderAmount))
	assert.Nil(t, discount.StartsAt)
	require.NotNil(t, discount.EndsAt)
	require.NotNil(t, discount.UsageLimit)
	assert.Equal(t, 100, *discount.UsageLimit)
	assert.Equal(t, []uuid.UUID{product}, discount.ProductIDs)
	assert.Equal(t, []uuid.UUID{category}, discount.CategoryIDs)
	assert.Empty(t, discount.ExcludedProductIDs)
}

func TestDiscountRepositoryCreateWritesScope(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewDiscountRepository(db)
	discount := &model.Discount{
		ID:                 uuid.New(),
		Code:               "BUNDLE",
		Benefit:            model.BuyXGetY{Buy: 2, Get: 1},
		Active:             true,
		ExcludedProductIDs: []uuid.UUID{uuid.New()},
		Version:            1,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO discounts")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO discount_scope")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.Create(context.Background(), discount))
}

func TestDiscountRepositoryUpdateConflict(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewDiscountRepository(db)
	discount := &model.Discount{ID: uuid.New(), Code: "X", Benefit: model.FreeShipping{}, UsageCount: 1, Version: 3}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE discounts")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 1, false, 3, sqlmock.AnyArg(), discount.ID, 2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Update(context.Background(), discount), model.ErrOptimisticLock)
}

var orderColumnNames = []string{
	"id", "order_number", "user_id", "status", "shipping_address", "billing_address", "shipping_method",
	"discount_code", "subtotal", "discount_amount", "tax_amount", "shipping_amount", "total", "currency",
	"payment_reference", "tracking_number", "notes", "cancellation_reason", "failure_reason", "cancelled_at",
	"completed_at", "version", "created_at", "updated_at",
}

var orderItemColumnNames = []string{
	"id", "order_id", "position", "product_id", "product_name", "sku", "unit_price", "quantity",
	"discount_amount", "tax_amount",
}

func TestOrderRepositoryCreateIsTransactional(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewOrderRepository(db)
	order := model.NewOrder(uuid.New(), uuid.New())
	order.AddItem(model.OrderItem{ID: uuid.New(), ProductID: uuid.New(), SKU: "A", UnitPrice: decimal.NewFromInt(3), Quantity: 1})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_items")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), order)

	assert.ErrorIs(t, err, assert.AnError)
}

func TestOrderRepositoryFindLoadsItems(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewOrderRepository(db)
	orderID, userID, productID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	address := `{"Street":"1 Main","City":"Oslo","PostalCode":"0150","Country":"NO"}`

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_number = ?")).
		WithArgs("ORD-1-0001").
		WillReturnRows(sqlmock.NewRows(orderColumnNames).AddRow(
			orderID.String(), "ORD-1-0001", userID.String(), "OUT_FOR_DELIVERY", address, address, "EXPRESS",
			"", "20.00", "0.00", "0.00", "5.00", "25.00", "USD",
			"pay_1", "TRK", "", "", "", nil,
			nil, 5, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_items WHERE order_id = ?")).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows(orderItemColumnNames).
			AddRow(uuid.NewString(), orderID.String(), 0, productID.String(), "Lamp", "L-1", "10.00", 2, "0.00", "0.00"))

	order, err := repo.FindByNumber(context.Background(), "ORD-1-0001")

	require.NoError(t, err)
	assert.Equal(t, model.OutForDelivery, order.Status)
	assert.Equal(t, model.ShippingExpress, order.ShippingMethod)
	assert.Equal(t, "Oslo", order.ShippingAddress.City)
	require.Len(t, order.Items, 1)
	assert.Equal(t, productID, order.Items[0].ProductID)
	assert.True(t, decimal.NewFromInt(25).Equal(order.Total))
	assert.Nil(t, order.CancelledAt)
}

func TestOrderRepositoryUpdateConflict(t *testing.T) {
	db, mock := setupDB(t)
	repo := NewOrderRepository(db)
	order := model.NewOrder(uuid.New(), uuid.New())
	order.Version = 2

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Update(context.Background(), order), model.ErrOptimisticLock)
}
