package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce/pkg/domain/model"
)

func setupRepository(t *testing.T) (*CartRepository, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCartRepository(client, "test"), mr
}

func newCart(t *testing.T, owner model.CartOwner) *model.Cart {
	t.Helper()
	cart, err := model.NewCart(uuid.New(), owner)
	require.NoError(t, err)
	return cart
}

func TestCartRoundTrip(t *testing.T) {
	repo, mr := setupRepository(t)
	ctx := context.Background()
	owner := model.UserOwner(uuid.New())
	cart := newCart(t, owner)
	product := &model.Product{ID: uuid.New(), SKU: "SKU-1", Price: decimal.RequireFromString("9.95"), StockQuantity: 5}
	require.NoError(t, cart.AddItem(product, 2))
	cart.ApplyDiscount("SAVE", decimal.RequireFromString("1.00"))

	require.NoError(t, repo.Create(ctx, cart))
	assert.True(t, mr.Exists("test:cart:"+owner.String()))

	loaded, err := repo.FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, loaded.ID)
	assert.Equal(t, owner, loaded.Owner)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 2, loaded.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("19.90").Equal(loaded.Subtotal()))
	assert.Equal(t, "SAVE", loaded.DiscountCode)
	assert.Equal(t, 1, loaded.Version)
}

func TestCreateRefusesSecondCart(t *testing.T) {
	repo, _ := setupRepository(t)
	owner := model.UserOwner(uuid.New())
	require.NoError(t, repo.Create(context.Background(), newCart(t, owner)))

	err := repo.Create(context.Background(), newCart(t, owner))

	assert.ErrorIs(t, err, model.ErrOptimisticLock)
}

func TestUpdateChecksVersion(t *testing.T) {
	repo, _ := setupRepository(t)
	ctx := context.Background()
	owner := model.SessionOwner("abc")
	cart := newCart(t, owner)
	require.NoError(t, repo.Create(ctx, cart))

	cart.Version = 2
	require.NoError(t, repo.Update(ctx, cart))

	stale := *cart
	stale.Version = 2
	assert.ErrorIs(t, repo.Update(ctx, &stale), model.ErrOptimisticLock)

	missing := newCart(t, model.SessionOwner("nobody"))
	missing.Version = 2
	assert.ErrorIs(t, repo.Update(ctx, missing), model.ErrEntityNotFound)
}

func TestGuestCartsExpire(t *testing.T) {
	repo, mr := setupRepository(t)
	ctx := context.Background()
	guest := model.SessionOwner("guest")
	user := model.UserOwner(uuid.New())
	require.NoError(t, repo.Create(ctx, newCart(t, guest)))
	require.NoError(t, repo.Create(ctx, newCart(t, user)))

	mr.FastForward(8 * 24 * time.Hour)

	_, err := repo.FindByOwner(ctx, guest)
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
	_, err = repo.FindByOwner(ctx, user)
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	repo, _ := setupRepository(t)
	ctx := context.Background()
	owner := model.UserOwner(uuid.New())
	require.NoError(t, repo.Create(ctx, newCart(t, owner)))

	require.NoError(t, repo.Delete(ctx, owner))
	assert.ErrorIs(t, repo.Delete(ctx, owner), model.ErrEntityNotFound)
	_, err := repo.FindByOwner(ctx, owner)
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
}

func TestClaimRemovesOnlyTheVersionRead(t *testing.T) {
	repo, mr := setupRepository(t)
	ctx := context.Background()
	owner := model.UserOwner(uuid.New())
	cart := newCart(t, owner)
	require.NoError(t, repo.Create(ctx, cart))

	stale := *cart
	stale.Version = 0
	assert.ErrorIs(t, repo.Claim(ctx, &stale), model.ErrOptimisticLock)
	assert.True(t, mr.Exists("test:cart:"+owner.String()))

	require.NoError(t, repo.Claim(ctx, cart))
	assert.False(t, mr.Exists("test:cart:"+owner.String()))
	assert.ErrorIs(t, repo.Claim(ctx, cart), model.ErrOptimisticLock)
}
