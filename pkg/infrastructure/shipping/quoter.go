package shipping

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"commerce/pkg/domain/model"
)

var ErrUnsupportedMethod = errors.New("shipping method is not offered")

// Rate prices one shipping method as a flat base plus a per-item charge.
// Orders at or above FreeAbove ship for nothing.
type Rate struct {
	Base      decimal.Decimal  `yaml:"base"`
	PerItem   decimal.Decimal  `yaml:"per_item"`
	FreeAbove *decimal.Decimal `yaml:"free_above"`
}

type RateTable struct {
	Methods map[model.ShippingMethod]Rate `yaml:"methods"`
}

// DefaultRates is used when no rate file is configured.
func DefaultRates() RateTable {
	freeAbove := decimal.NewFromInt(100)
	return RateTable{Methods: map[model.ShippingMethod]Rate{
		model.ShippingStandard:  {Base: decimal.RequireFromString("5.99"), FreeAbove: &freeAbove},
		model.ShippingExpress:   {Base: decimal.RequireFromString("12.99"), PerItem: decimal.RequireFromString("0.50")},
		model.ShippingOvernight: {Base: decimal.RequireFromString("24.99"), PerItem: decimal.RequireFromString("1.00")},
		model.ShippingSameDay:   {Base: decimal.RequireFromString("19.99")},
		model.ShippingPickup:    {},
		model.ShippingFree:      {},
	}}
}

func LoadRates(path string) (RateTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RateTable{}, errors.Wrap(err, "read shipping rates")
	}
	return ParseRates(raw)
}

func ParseRates(raw []byte) (RateTable, error) {
	var table RateTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return RateTable{}, errors.Wrap(err, "parse shipping rates")
	}
	if len(table.Methods) == 0 {
		return RateTable{}, errors.New("shipping rates define no methods")
	}
	return table, nil
}

type Quoter struct {
	rates RateTable
}

func NewQuoter(rates RateTable) *Quoter {
	return &Quoter{rates: rates}
}

func (q *Quoter) Quote(_ context.Context, method model.ShippingMethod, subtotal decimal.Decimal, itemCount int) (decimal.Decimal, error) {
	rate, ok := q.rates.Methods[method]
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrUnsupportedMethod, "%s", method)
	}
	if rate.FreeAbove != nil && subtotal.GreaterThanOrEqual(*rate.FreeAbove) {
		return decimal.Zero, nil
	}
	return rate.Base.Add(rate.PerItem.Mul(decimal.NewFromInt(int64(itemCount)))).Round(2), nil
}
