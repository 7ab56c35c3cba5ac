package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"commerce/pkg/domain/model"
)

const productColumns = `id, sku, name, price, category_id, stock_quantity, reserved_quantity,
	low_stock_threshold, total_sales, version, created_at, updated_at`

type productRow struct {
	ID                uuid.UUID       `db:"id"`
	SKU               string          `db:"sku"`
	Name              string          `db:"name"`
	Price             decimal.Decimal `db:"price"`
	CategoryID        uuid.NullUUID   `db:"category_id"`
	StockQuantity     int             `db:"stock_quantity"`
	ReservedQuantity  int             `db:"reserved_quantity"`
	LowStockThreshold int             `db:"low_stock_threshold"`
	TotalSales        int             `db:"total_sales"`
	Version           int             `db:"version"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r productRow) toModel() *model.Product {
	p := &model.Product{
		ID:                r.ID,
		SKU:               r.SKU,
		Name:              r.Name,
		Price:             r.Price,
		StockQuantity:     r.StockQuantity,
		ReservedQuantity:  r.ReservedQuantity,
		LowStockThreshold: r.LowStockThreshold,
		TotalSales:        r.TotalSales,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.CategoryID.Valid {
		id := r.CategoryID.UUID
		p.CategoryID = &id
	}
	return p
}

func newProductRow(p *model.Product) productRow {
	row := productRow{
		ID:                p.ID,
		SKU:               p.SKU,
		Name:              p.Name,
		Price:             p.Price,
		StockQuantity:     p.StockQuantity,
		ReservedQuantity:  p.ReservedQuantity,
		LowStockThreshold: p.LowStockThreshold,
		TotalSales:        p.TotalSales,
		Version:           p.Version,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.CategoryID != nil {
		row.CategoryID = uuid.NullUUID{UUID: *p.CategoryID, Valid: true}
	}
	return row
}

type ProductRepository struct {
	db *sqlx.DB
}

func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) NextID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

func (r *ProductRepository) Create(ctx context.Context, product *model.Product) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES (:id, :sku, :name, :price, :category_id, :stock_quantity, :reserved_quantity,
			:low_stock_threshold, :total_sales, :version, :created_at, :updated_at)`, newProductRow(product))
	return errors.Wrapf(err, "insert product %s", product.SKU)
}

func (r *ProductRepository) Find(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var row productRow
	err := r.db.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewEntityNotFound("product", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select product %s", id)
	}
	return row.toModel(), nil
}

// Update writes only when the stored row still carries product.Version-1.
func (r *ProductRepository) Update(ctx context.Context, product *model.Product) error {
	res, err := r.db.ExecContext(ctx, `UPDATE products
		SET name = ?, price = ?, category_id = ?, stock_quantity = ?, reserved_quantity = ?,
			low_stock_threshold = ?, total_sales = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		product.Name, product.Price, newProductRow(product).CategoryID, product.StockQuantity, product.ReservedQuantity,
		product.LowStockThreshold, product.TotalSales, product.Version, product.UpdatedAt,
		product.ID, product.Version-1,
	)
	if err != nil {
		return errors.Wrapf(err, "update product %s", product.SKU)
	}
	return checkVersionedWrite(res)
}

func checkVersionedWrite(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read affected rows")
	}
	if affected == 0 {
		return model.ErrOptimisticLock
	}
	return nil
}
