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

const discountColumns = `id, code, description, type, value, buy_quantity, get_quantity,
	minimum_order_amount, maximum_discount_amount, starts_at, ends_at, usage_limit, usage_count,
	active, version, created_at, updated_at`

const (
	scopeProduct  = "product"
	scopeCategory = "category"
	scopeExcluded = "excluded"
)

type discountRow struct {
	ID                    uuid.UUID           `db:"id"`
	Code                  string              `db:"code"`
	Description           string              `db:"description"`
	Type                  string              `db:"type"`
	Value                 decimal.NullDecimal `db:"value"`
	BuyQuantity           sql.NullInt64       `db:"buy_quantity"`
	GetQuantity           sql.NullInt64       `db:"get_quantity"`
	MinimumOrderAmount    decimal.NullDecimal `db:"minimum_order_amount"`
	MaximumDiscountAmount decimal.NullDecimal `db:"maximum_discount_amount"`
	StartsAt              sql.NullTime        `db:"starts_at"`
	EndsAt                sql.NullTime        `db:"ends_at"`
	UsageLimit            sql.NullInt64       `db:"usage_limit"`
	UsageCount            int                 `db:"usage_count"`
	Active                bool                `db:"active"`
	Version               int                 `db:"version"`
	CreatedAt             time.Time           `db:"created_at"`
	UpdatedAt             time.Time           `db:"updated_at"`
}

type scopeRow struct {
	DiscountID uuid.UUID `db:"discount_id"`
	Kind       string    `db:"kind"`
	TargetID   uuid.UUID `db:"target_id"`
}

func (r discountRow) toModel() (*model.Discount, error) {
	benefit, err := decodeBenefit(r)
	if err != nil {
		return nil, err
	}
	d := &model.Discount{
		ID:                    r.ID,
		Code:                  r.Code,
		Description:           r.Description,
		Benefit:               benefit,
		MinimumOrderAmount:    decimalPtr(r.MinimumOrderAmount),
		MaximumDiscountAmount: decimalPtr(r.MaximumDiscountAmount),
		StartsAt:              timePtr(r.StartsAt),
		EndsAt:                timePtr(r.EndsAt),
		UsageCount:            r.UsageCount,
		Active:                r.Active,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	if r.UsageLimit.Valid {
		limit := int(r.UsageLimit.Int64)
		d.UsageLimit = &limit
	}
	return d, nil
}

func newDiscountRow(d *model.Discount) discountRow {
	row := discountRow{
		ID:                    d.ID,
		Code:                  d.Code,
		Description:           d.Description,
		MinimumOrderAmount:    nullDecimal(d.MinimumOrderAmount),
		MaximumDiscountAmount: nullDecimal(d.MaximumDiscountAmount),
		StartsAt:              nullTime(d.StartsAt),
		EndsAt:                nullTime(d.EndsAt),
		UsageCount:            d.UsageCount,
		Active:                d.Active,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	if d.UsageLimit != nil {
		row.UsageLimit = sql.NullInt64{Int64: int64(*d.UsageLimit), Valid: true}
	}
	if d.Benefit != nil {
		row.Type = string(d.Benefit.Type())
	}
	switch b := d.Benefit.(type) {
	case model.FixedAmount:
		row.Value = decimal.NewNullDecimal(b.Amount)
	case model.Percentage:
		row.Value = decimal.NewNullDecimal(b.Percent)
	case model.FixedPrice:
		row.Value = decimal.NewNullDecimal(b.Price)
	case model.BuyXGetY:
		row.BuyQuantity = sql.NullInt64{Int64: int64(b.Buy), Valid: true}
		row.GetQuantity = sql.NullInt64{Int64: int64(b.Get), Valid: true}
	}
	return row
}

func decodeBenefit(r discountRow) (model.Benefit, error) {
	switch model.DiscountType(r.Type) {
	case model.DiscountFixedAmount:
		return model.FixedAmount{Amount: r.Value.Decimal}, nil
	case model.DiscountPercentage:
		return model.Percentage{Percent: r.Value.Decimal}, nil
	case model.DiscountFreeShipping:
		return model.FreeShipping{}, nil
	case model.DiscountBuyXGetY:
		return model.BuyXGetY{Buy: int(r.BuyQuantity.Int64), Get: int(r.GetQuantity.Int64)}, nil
	case model.DiscountFixedPrice:
		return model.FixedPrice{Price: r.Value.Decimal}, nil
	}
	return nil, errors.Errorf("discount %s has unknown type %q", r.Code, r.Type)
}

type DiscountRepository struct {
	db *sqlx.DB
}

func NewDiscountRepository(db *sqlx.DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

func (r *DiscountRepository) NextID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

func (r *DiscountRepository) Create(ctx context.Context, discount *model.Discount) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `INSERT INTO discounts (`+discountColumns+`)
		VALUES (:id, :code, :description, :type, :value, :buy_quantity, :get_quantity,
			:minimum_order_amount, :maximum_discount_amount, :starts_at, :ends_at, :usage_limit, :usage_count,
			:active, :version, :created_at, :updated_at)`, newDiscountRow(discount))
	if err != nil {
		return errors.Wrapf(err, "insert discount %s", discount.Code)
	}

	if scope := scopeRows(discount); len(scope) > 0 {
		_, err = tx.NamedExecContext(ctx, `INSERT INTO discount_scope (discount_id, kind, target_id)
			VALUES (:discount_id, :kind, :target_id)`, scope)
		if err != nil {
			return errors.Wrapf(err, "insert scope of discount %s", discount.Code)
		}
	}
	return errors.Wrap(tx.Commit(), "commit discount")
}

func (r *DiscountRepository) Find(ctx context.Context, id uuid.UUID) (*model.Discount, error) {
	return r.findOne(ctx, `SELECT `+discountColumns+` FROM discounts WHERE id = ?`, id)
}

func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*model.Discount, error) {
	return r.findOne(ctx, `SELECT `+discountColumns+` FROM discounts WHERE code = ?`, code)
}

// Update covers the mutable counters and flags; scope is fixed at creation.
func (r *DiscountRepository) Update(ctx context.Context, discount *model.Discount) error {
	row := newDiscountRow(discount)
	res, err := r.db.ExecContext(ctx, `UPDATE discounts
		SET description = ?, starts_at = ?, ends_at = ?, usage_limit = ?, usage_count = ?, active = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		row.Description, row.StartsAt, row.EndsAt, row.UsageLimit, row.UsageCount, row.Active,
		row.Version, row.UpdatedAt,
		row.ID, row.Version-1,
	)
	if err != nil {
		return errors.Wrapf(err, "update discount %s", discount.Code)
	}
	return checkVersionedWrite(res)
}

func (r *DiscountRepository) findOne(ctx context.Context, query string, arg interface{}) (*model.Discount, error) {
	var row discountRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewEntityNotFound("discount", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select discount")
	}
	discount, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var scope []scopeRow
	err = r.db.SelectContext(ctx, &scope, `SELECT discount_id, kind, target_id FROM discount_scope WHERE discount_id = ?`, discount.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "select scope of discount %s", discount.Code)
	}
	for _, s := range scope {
		switch s.Kind {
		case scopeProduct:
			discount.ProductIDs = append(discount.ProductIDs, s.TargetID)
		case scopeCategory:
			discount.CategoryIDs = append(discount.CategoryIDs, s.TargetID)
		case scopeExcluded:
			discount.ExcludedProductIDs = append(discount.ExcludedProductIDs, s.TargetID)
		}
	}
	return discount, nil
}

func scopeRows(d *model.Discount) []scopeRow {
	var rows []scopeRow
	add := func(kind string, ids []uuid.UUID) {
		for _, id := range ids {
			rows = append(rows, scopeRow{DiscountID: d.ID, Kind: kind, TargetID: id})
		}
	}
	add(scopeProduct, d.ProductIDs)
	add(scopeCategory, d.CategoryIDs)
	add(scopeExcluded, d.ExcludedProductIDs)
	return rows
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
