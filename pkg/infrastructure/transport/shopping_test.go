package transport

import (
	"context"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commerce/pkg/domain/model"
	"commerce/pkg/infrastructure/shipping"
)

type fakeCarts struct{ *recorder }

// reply records the call and answers with a one-line cart for owner.
func (f fakeCarts) reply(method string, owner model.CartOwner, id uuid.UUID, arg string) (*model.Cart, error) {
	if err := f.record(method, id, owner.String()+" "+arg); err != nil {
		return nil, err
	}
	cart, err := model.NewCart(uuid.New(), owner)
	if err != nil {
		return nil, err
	}
	mug := &model.Product{ID: uuid.New(), SKU: "MUG-1", Price: decimal.RequireFromString("7.50"), StockQuantity: 10}
	if err := cart.AddItem(mug, 2); err != nil {
		return nil, err
	}
	return cart, nil
}

func (f fakeCarts) GetCart(_ context.Context, owner model.CartOwner) (*model.Cart, error) {
	return f.reply("GetCart", owner, uuid.Nil, "")
}

func (f fakeCarts) AddItem(_ context.Context, owner model.CartOwner, productID uuid.UUID, quantity int) (*model.Cart, error) {
	return f.reply("AddItem", owner, productID, strconv.Itoa(quantity))
}

func (f fakeCarts) UpdateItemQuantity(_ context.Context, owner model.CartOwner, itemID uuid.UUID, quantity int) (*model.Cart, error) {
	return f.reply("UpdateItemQuantity", owner, itemID, strconv.Itoa(quantity))
}

func (f fakeCarts) RemoveItem(_ context.Context, owner model.CartOwner, itemID uuid.UUID) (*model.Cart, error) {
	return f.reply("RemoveItem", owner, itemID, "")
}

func (f fakeCarts) ApplyDiscountCode(_ context.Context, owner model.CartOwner, code string) (*model.Cart, error) {
	return f.reply("ApplyDiscountCode", owner, uuid.Nil, code)
}

func (f fakeCarts) RemoveDiscountCode(_ context.Context, owner model.CartOwner) (*model.Cart, error) {
	return f.reply("RemoveDiscountCode", owner, uuid.Nil, "")
}

func (f fakeCarts) Clear(_ context.Context, owner model.CartOwner) error {
	return f.record("Clear", uuid.Nil, owner.String()+" ")
}

func (f fakeCarts) MergeGuestCart(_ context.Context, userID uuid.UUID, sessionID string) (*model.Cart, error) {
	return f.reply("MergeGuestCart", model.UserOwner(userID), userID, sessionID)
}

func TestShoppingRoutesCartCalls(t *testing.T) {
	_, conn, rec, _ := setupServer(t)
	client := NewShoppingClient(conn)
	ctx := context.Background()
	userID := uuid.New()
	user := model.UserOwner(userID)
	productID, itemID := uuid.New(), uuid.New()

	tests := []struct {
		method string
		fields map[string]interface{}
		want   call
	}{
		{"GetCart", nil, call{"GetCart", uuid.Nil, user.String() + " "}},
		{"AddItem", map[string]interface{}{"product_id": productID.String(), "quantity": 3}, call{"AddItem", productID, user.String() + " 3"}},
		{"UpdateItemQuantity", map[string]interface{}{"item_id": itemID.String(), "quantity": 0}, call{"UpdateItemQuantity", itemID, user.String() + " 0"}},
		{"RemoveItem", map[string]interface{}{"item_id": itemID.String()}, call{"RemoveItem", itemID, user.String() + " "}},
		{"ApplyDiscountCode", map[string]interface{}{"code": "SAVE10"}, call{"ApplyDiscountCode", uuid.Nil, user.String() + " SAVE10"}},
		{"RemoveDiscountCode", nil, call{"RemoveDiscountCode", uuid.Nil, user.String() + " "}},
		{"ClearCart", nil, call{"GetCart", uuid.Nil, user.String() + " "}},
		{"MergeGuestCart", map[string]interface{}{"session_id": "guest-1"}, call{"MergeGuestCart", userID, user.String() + " guest-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			fields := map[string]interface{}{"user_id": userID.String()}
			for k, v := range tt.fields {
				fields[k] = v
			}
			out, err := client.Call(ctx, tt.method, fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.last())

			assert.Equal(t, userID.String(), out.GetFields()["user_id"].GetStringValue())
			assert.Equal(t, "15.00", out.GetFields()["subtotal"].GetStringValue())
			assert.Equal(t, float64(2), out.GetFields()["item_count"].GetNumberValue())
			items := out.GetFields()["items"].GetListValue().GetValues()
			require.Len(t, items, 1)
			assert.Equal(t, "MUG-1", items[0].GetStructValue().GetFields()["sku"].GetStringValue())
		})
	}
}

func TestShoppingCheckout(t *testing.T) {
	_, conn, rec, _ := setupServer(t)
	client := NewShoppingClient(conn)
	accountID := uuid.New()

	out, err := client.Call(context.Background(), "Checkout", map[string]interface{}{
		"session_id":      "guest-9",
		"account_id":      accountID.String(),
		"shipping_method": "express",
		"shipping_address": map[string]interface{}{
			"street":      "1 Main St",
			"city":        "Springfield",
			"postal_code": "12345",
			"country":     "US",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, call{"Checkout", accountID, "session:guest-9 EXPRESS Springfield"}, rec.last())
	assert.Equal(t, "ORD-1-0001", out.GetFields()["order_number"].GetStringValue())
	assert.Equal(t, model.Pending.String(), out.GetFields()["status"].GetStringValue())
	assert.Equal(t, "EXPRESS", out.GetFields()["shipping_method"].GetStringValue())
	assert.Equal(t, "19.50", out.GetFields()["total"].GetStringValue())
	assert.Len(t, out.GetFields()["items"].GetListValue().GetValues(), 1)
}

func TestShoppingValidatesPayload(t *testing.T) {
	_, conn, rec, _ := setupServer(t)
	client := NewShoppingClient(conn)
	ctx := context.Background()
	user := uuid.NewString()

	tests := []struct {
		name   string
		method string
		fields map[string]interface{}
	}{
		{"bad user id", "GetCart", map[string]interface{}{"user_id": "nope"}},
		{"missing product", "AddItem", map[string]interface{}{"user_id": user, "quantity": 1}},
		{"missing quantity", "AddItem", map[string]interface{}{"user_id": user, "product_id": uuid.NewString()}},
		{"fractional quantity", "AddItem", map[string]interface{}{"user_id": user, "product_id": uuid.NewString(), "quantity": 1.5}},
		{"quantity as text", "UpdateItemQuantity", map[string]interface{}{"user_id": user, "item_id": uuid.NewString(), "quantity": "2"}},
		{"missing code", "ApplyDiscountCode", map[string]interface{}{"user_id": user}},
		{"merge without session", "MergeGuestCart", map[string]interface{}{"user_id": user}},
		{"bad account id", "Checkout", map[string]interface{}{"session_id": "s", "account_id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Call(ctx, tt.method, tt.fields)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
	assert.Empty(t, rec.calls)
}

func TestShoppingMapsDomainErrors(t *testing.T) {
	_, conn, rec, hook := setupServer(t)
	client := NewShoppingClient(conn)
	ctx := context.Background()

	_, err := client.Call(ctx, "GetCart", map[string]interface{}{"user_id": uuid.NewString(), "session_id": "both"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"empty cart", model.ErrEmptyCart, codes.FailedPrecondition},
		{"cart already checked out", errors.Wrap(model.ErrOptimisticLock, "claim cart"), codes.Aborted},
		{"unknown shipping", errors.Wrap(shipping.ErrUnsupportedMethod, "DRONE"), codes.InvalidArgument},
		{"out of stock", &model.InsufficientStockError{SKU: "MUG-1", Requested: 5, Available: 1}, codes.FailedPrecondition},
		{"store down", errors.New("redis timeout"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.fail(tt.err)
			_, err := client.Call(ctx, "Checkout", map[string]interface{}{"user_id": uuid.NewString()})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}

	var errorsLogged int
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
}
