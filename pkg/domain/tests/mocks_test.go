package tests

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"commerce/pkg/common/domain"
	"commerce/pkg/domain/model"
)

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func entriesAt(hook *test.Hook, level logrus.Level) []logrus.Entry {
	var out []logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == level {
			out = append(out, *entry)
		}
	}
	return out
}

type mockProductRepository struct {
	mu         sync.Mutex
	store      map[uuid.UUID]*model.Product
	findErrs   map[uuid.UUID]error
	updateErrs map[uuid.UUID]error
}

func newMockProductRepository() *mockProductRepository {
	return &mockProductRepository{
		store:      make(map[uuid.UUID]*model.Product),
		findErrs:   make(map[uuid.UUID]error),
		updateErrs: make(map[uuid.UUID]error),
	}
}

// failFind makes lookups of id return err until called again with nil.
func (m *mockProductRepository) failFind(id uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findErrs[id] = err
}

// failUpdate makes writes to id return err until called again with nil.
func (m *mockProductRepository) failUpdate(id uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErrs[id] = err
}

func (m *mockProductRepository) NextID() (uuid.UUID, error) { return uuid.New(), nil }

func (m *mockProductRepository) Create(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.store[p.ID] = &clone
	return nil
}

func (m *mockProductRepository) Find(_ context.Context, id uuid.UUID) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.findErrs[id]; err != nil {
		return nil, err
	}
	if p, ok := m.store[id]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, model.NewEntityNotFound("product", id)
}

func (m *mockProductRepository) Update(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErrs[p.ID]; err != nil {
		return err
	}
	existing, ok := m.store[p.ID]
	if !ok {
		return model.NewEntityNotFound("product", p.ID)
	}
	if existing.Version != p.Version-1 {
		return model.ErrOptimisticLock
	}
	clone := *p
	m.store[p.ID] = &clone
	return nil
}

func (m *mockProductRepository) get(id uuid.UUID) model.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.store[id]
}

// conflictingProductRepository loses every write to a concurrent writer.
type conflictingProductRepository struct {
	*mockProductRepository
	updates int
}

func (m *conflictingProductRepository) Update(_ context.Context, _ *model.Product) error {
	m.updates++
	return model.ErrOptimisticLock
}

type mockDiscountRepository struct {
	mu    sync.Mutex
	store map[uuid.UUID]*model.Discount
}

func newMockDiscountRepository() *mockDiscountRepository {
	return &mockDiscountRepository{store: make(map[uuid.UUID]*model.Discount)}
}

func (m *mockDiscountRepository) NextID() (uuid.UUID, error) { return uuid.New(), nil }

func (m *mockDiscountRepository) Create(_ context.Context, d *model.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	m.store[d.ID] = &clone
	return nil
}

func (m *mockDiscountRepository) Find(_ context.Context, id uuid.UUID) (*model.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.store[id]; ok {
		clone := *d
		return &clone, nil
	}
	return nil, model.NewEntityNotFound("discount", id)
}

func (m *mockDiscountRepository) FindByCode(_ context.Context, code string) (*model.Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.store {
		if d.Code == code {
			clone := *d
			return &clone, nil
		}
	}
	return nil, model.NewEntityNotFound("discount", code)
}

func (m *mockDiscountRepository) Update(_ context.Context, d *model.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.store[d.ID]
	if !ok {
		return model.NewEntityNotFound("discount", d.ID)
	}
	if existing.Version != d.Version-1 {
		return model.ErrOptimisticLock
	}
	clone := *d
	m.store[d.ID] = &clone
	return nil
}

func (m *mockDiscountRepository) get(id uuid.UUID) model.Discount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.store[id]
}

type mockOrderRepository struct {
	mu        sync.Mutex
	store     map[uuid.UUID]*model.Order
	createErr error
	updateErr error
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{store: make(map[uuid.UUID]*model.Order)}
}

func cloneOrder(o *model.Order) *model.Order {
	clone := *o
	clone.Items = append([]model.OrderItem(nil), o.Items...)
	return &clone
}

func (m *mockOrderRepository) NextID() (uuid.UUID, error) { return uuid.New(), nil }

func (m *mockOrderRepository) Create(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.store[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockOrderRepository) Find(_ context.Context, id uuid.UUID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.store[id]; ok {
		return cloneOrder(o), nil
	}
	return nil, model.NewEntityNotFound("order", id)
}

func (m *mockOrderRepository) FindByNumber(_ context.Context, number string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.store {
		if o.OrderNumber == number {
			return cloneOrder(o), nil
		}
	}
	return nil, model.NewEntityNotFound("order", number)
}

func (m *mockOrderRepository) FindByUser(_ context.Context, userID uuid.UUID) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.store {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *mockOrderRepository) Update(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.store[o.ID]
	if !ok {
		return model.NewEntityNotFound("order", o.ID)
	}
	if existing.Version != o.Version-1 {
		return model.ErrOptimisticLock
	}
	m.store[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockOrderRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

type mockCartRepository struct {
	mu       sync.Mutex
	store    map[string]*model.Cart
	claimErr error
}

func newMockCartRepository() *mockCartRepository {
	return &mockCartRepository{store: make(map[string]*model.Cart)}
}

func cloneCart(c *model.Cart) *model.Cart {
	clone := *c
	clone.Items = append([]model.CartItem(nil), c.Items...)
	return &clone
}

func (m *mockCartRepository) NextID() (uuid.UUID, error) { return uuid.New(), nil }

func (m *mockCartRepository) FindByOwner(_ context.Context, owner model.CartOwner) (*model.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.store[owner.String()]; ok {
		return cloneCart(c), nil
	}
	return nil, model.NewEntityNotFound("cart", owner)
}

func (m *mockCartRepository) Create(_ context.Context, c *model.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[c.Owner.String()]; ok {
		return model.ErrOptimisticLock
	}
	m.store[c.Owner.String()] = cloneCart(c)
	return nil
}

func (m *mockCartRepository) Update(_ context.Context, c *model.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.store[c.Owner.String()]
	if !ok {
		return model.NewEntityNotFound("cart", c.Owner)
	}
	if existing.Version != c.Version-1 {
		return model.ErrOptimisticLock
	}
	m.store[c.Owner.String()] = cloneCart(c)
	return nil
}

func (m *mockCartRepository) Delete(_ context.Context, owner model.CartOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[owner.String()]; !ok {
		return model.NewEntityNotFound("cart", owner)
	}
	delete(m.store, owner.String())
	return nil
}

func (m *mockCartRepository) Claim(_ context.Context, c *model.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return m.claimErr
	}
	existing, ok := m.store[c.Owner.String()]
	if !ok || existing.Version != c.Version {
		return model.ErrOptimisticLock
	}
	delete(m.store, c.Owner.String())
	return nil
}

func (m *mockCartRepository) has(owner model.CartOwner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.store[owner.String()]
	return ok
}

type mockEventDispatcher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (m *mockEventDispatcher) Dispatch(event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventDispatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func (m *mockEventDispatcher) ofType(eventType string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, event := range m.events {
		if event.Type() == eventType {
			out = append(out, event)
		}
	}
	return out
}

type flatRateQuoter struct {
	rate decimal.Decimal
	err  error
}

func (q flatRateQuoter) Quote(context.Context, model.ShippingMethod, decimal.Decimal, int) (decimal.Decimal, error) {
	return q.rate, q.err
}

type percentTax struct {
	percent decimal.Decimal
}

func (t percentTax) Tax(_ context.Context, _ model.Address, taxable decimal.Decimal) (decimal.Decimal, error) {
	return taxable.Mul(t.percent).Div(decimal.NewFromInt(100)).Round(2), nil
}

var errBrokerDown = errors.New("broker unavailable")

func money(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func moneyPtr(value string) *decimal.Decimal {
	d := money(value)
	return &d
}

func intPtr(v int) *int { return &v }

func seedProduct(repo *mockProductRepository, sku, price string, stock int) *model.Product {
	p := &model.Product{
		ID:                uuid.New(),
		SKU:               sku,
		Name:              "Product " + sku,
		Price:             money(price),
		StockQuantity:     stock,
		LowStockThreshold: 2,
		Version:           1,
	}
	_ = repo.Create(context.Background(), p)
	return p
}

func seedDiscount(repo *mockDiscountRepository, code string, benefit model.Benefit, configure ...func(d *model.Discount)) *model.Discount {
	d := &model.Discount{
		ID:      uuid.New(),
		Code:    code,
		Benefit: benefit,
		Active:  true,
		Version: 1,
	}
	for _, fn := range configure {
		fn(d)
	}
	_ = repo.Create(context.Background(), d)
	return d
}

func validAddress() model.Address {
	return model.Address{
		Street:     "1 Market Street",
		City:       "Springfield",
		State:      "IL",
		PostalCode: "62701",
		Country:    "US",
	}
}
