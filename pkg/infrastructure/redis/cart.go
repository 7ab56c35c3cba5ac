package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"commerce/pkg/domain/model"
)

const (
	DefaultNamespace = "commerce"
	// Only guest carts expire.
	guestCartTTL = 7 * 24 * time.Hour
)

type cartItemRecord struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

type cartRecord struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	SessionID      string           `json:"session_id,omitempty"`
	Items          []cartItemRecord `json:"items"`
	DiscountCode   string           `json:"discount_code,omitempty"`
	DiscountAmount decimal.Decimal  `json:"discount_amount"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

// CartRepository keeps one JSON document per cart owner. Updates are guarded
// with WATCH so a stale version never overwrites a newer cart.
type CartRepository struct {
	client    *redis.Client
	namespace string
}

func NewCartRepository(client *redis.Client, namespace string) *CartRepository {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &CartRepository{client: client, namespace: namespace}
}

func (r *CartRepository) NextID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

func (r *CartRepository) FindByOwner(ctx context.Context, owner model.CartOwner) (*model.Cart, error) {
	raw, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewEntityNotFound("cart", owner)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load cart %s", owner)
	}
	return decodeCart(raw)
}

func (r *CartRepository) Create(ctx context.Context, cart *model.Cart) error {
	raw, err := encodeCart(cart)
	if err != nil {
		return err
	}
	created, err := r.client.SetNX(ctx, r.key(cart.Owner), raw, ttlFor(cart.Owner)).Result()
	if err != nil {
		return errors.Wrapf(err, "create cart %s", cart.Owner)
	}
	if !created {
		return errors.Wrapf(model.ErrOptimisticLock, "cart %s already exists", cart.Owner)
	}
	return nil
}

func (r *CartRepository) Update(ctx context.Context, cart *model.Cart) error {
	key := r.key(cart.Owner)
	raw, err := encodeCart(cart)
	if err != nil {
		return err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.NewEntityNotFound("cart", cart.Owner)
		}
		if err != nil {
			return err
		}
		stored, err := decodeCart(current)
		if err != nil {
			return err
		}
		if stored.Version != cart.Version-1 {
			return model.ErrOptimisticLock
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttlFor(cart.Owner))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return model.ErrOptimisticLock
	}
	return err
}

func (r *CartRepository) Delete(ctx context.Context, owner model.CartOwner) error {
	deleted, err := r.client.Del(ctx, r.key(owner)).Result()
	if err != nil {
		return errors.Wrapf(err, "delete cart %s", owner)
	}
	if deleted == 0 {
		return model.NewEntityNotFound("cart", owner)
	}
	return nil
}

func (r *CartRepository) Claim(ctx context.Context, cart *model.Cart) error {
	key := r.key(cart.Owner)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.ErrOptimisticLock
		}
		if err != nil {
			return err
		}
		stored, err := decodeCart(current)
		if err != nil {
			return err
		}
		if stored.Version != cart.Version {
			return model.ErrOptimisticLock
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return model.ErrOptimisticLock
	}
	return errors.Wrapf(err, "claim cart %s", cart.Owner)
}

func (r *CartRepository) key(owner model.CartOwner) string {
	return r.namespace + ":cart:" + owner.String()
}

func ttlFor(owner model.CartOwner) time.Duration {
	if owner.IsGuest() {
		return guestCartTTL
	}
	return 0
}

func encodeCart(cart *model.Cart) ([]byte, error) {
	record := cartRecord{
		ID:             cart.ID,
		UserID:         cart.Owner.UserID,
		SessionID:      cart.Owner.SessionID,
		Items:          make([]cartItemRecord, 0, len(cart.Items)),
		DiscountCode:   cart.DiscountCode,
		DiscountAmount: cart.DiscountAmount,
		Version:        cart.Version,
		CreatedAt:      cart.CreatedAt,
		UpdatedAt:      cart.UpdatedAt,
	}
	for _, item := range cart.Items {
		record.Items = append(record.Items, cartItemRecord(item))
	}
	raw, err := json.Marshal(record)
	return raw, errors.Wrap(err, "encode cart")
}

func decodeCart(raw []byte) (*model.Cart, error) {
	var record cartRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	cart := &model.Cart{
		ID:             record.ID,
		Owner:          model.CartOwner{UserID: record.UserID, SessionID: record.SessionID},
		DiscountCode:   record.DiscountCode,
		DiscountAmount: record.DiscountAmount,
		Version:        record.Version,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	for _, item := range record.Items {
		cart.Items = append(cart.Items, model.CartItem(item))
	}
	return cart, nil
}
