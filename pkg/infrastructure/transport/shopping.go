package transport

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"commerce/pkg/domain/model"
	"commerce/pkg/domain/service"
)

const shoppingServiceName = "commerce.Shopping"

// ShoppingServer exposes carts and checkout to storefront callers. A cart is
// addressed by user_id or session_id; every cart call answers with the cart
// as it stands afterwards.
type ShoppingServer interface {
	GetCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	AddItem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UpdateItemQuantity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RemoveItem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ApplyDiscountCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RemoveDiscountCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ClearCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	MergeGuestCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Checkout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func RegisterShoppingServer(s grpc.ServiceRegistrar, srv ShoppingServer) {
	s.RegisterService(&shoppingServiceDesc, srv)
}

var shoppingServiceDesc = grpc.ServiceDesc{
	ServiceName: shoppingServiceName,
	HandlerType: (*ShoppingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(shoppingServiceName, "GetCart", ShoppingServer.GetCart),
		unaryMethod(shoppingServiceName, "AddItem", ShoppingServer.AddItem),
		unaryMethod(shoppingServiceName, "UpdateItemQuantity", ShoppingServer.UpdateItemQuantity),
		unaryMethod(shoppingServiceName, "RemoveItem", ShoppingServer.RemoveItem),
		unaryMethod(shoppingServiceName, "ApplyDiscountCode", ShoppingServer.ApplyDiscountCode),
		unaryMethod(shoppingServiceName, "RemoveDiscountCode", ShoppingServer.RemoveDiscountCode),
		unaryMethod(shoppingServiceName, "ClearCart", ShoppingServer.ClearCart),
		unaryMethod(shoppingServiceName, "MergeGuestCart", ShoppingServer.MergeGuestCart),
		unaryMethod(shoppingServiceName, "Checkout", ShoppingServer.Checkout),
	},
	Streams: []grpc.StreamDesc{},
}

type ShoppingClient struct {
	conn grpc.ClientConnInterface
}

func NewShoppingClient(conn grpc.ClientConnInterface) *ShoppingClient {
	return &ShoppingClient{conn: conn}
}

func (c *ShoppingClient) Call(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+shoppingServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

type ShoppingHandler struct {
	carts    service.CartService
	checkout service.CheckoutService
	logger   logrus.FieldLogger
}

func NewShoppingHandler(carts service.CartService, checkout service.CheckoutService, logger logrus.FieldLogger) *ShoppingHandler {
	return &ShoppingHandler{
		carts:    carts,
		checkout: checkout,
		logger:   logger.WithField("component", "shopping"),
	}
}

func (h *ShoppingHandler) GetCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.GetCart(ctx, owner))
}

func (h *ShoppingHandler) AddItem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	productID, err := idFrom(in, "product_id")
	if err != nil {
		return nil, err
	}
	quantity, err := quantityFrom(in)
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.AddItem(ctx, owner, productID, quantity))
}

// UpdateItemQuantity removes the line when quantity is zero or less.
func (h *ShoppingHandler) UpdateItemQuantity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	itemID, err := idFrom(in, "item_id")
	if err != nil {
		return nil, err
	}
	quantity, err := quantityFrom(in)
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.UpdateItemQuantity(ctx, owner, itemID, quantity))
}

func (h *ShoppingHandler) RemoveItem(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	itemID, err := idFrom(in, "item_id")
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.RemoveItem(ctx, owner, itemID))
}

func (h *ShoppingHandler) ApplyDiscountCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	code, err := requiredString(in, "code")
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.ApplyDiscountCode(ctx, owner, code))
}

func (h *ShoppingHandler) RemoveDiscountCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	return h.cartReply(owner)(h.carts.RemoveDiscountCode(ctx, owner))
}

func (h *ShoppingHandler) ClearCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	if err := h.carts.Clear(ctx, owner); err != nil {
		return nil, h.reject(owner, err)
	}
	return h.cartReply(owner)(h.carts.GetCart(ctx, owner))
}

func (h *ShoppingHandler) MergeGuestCart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := idFrom(in, "user_id")
	if err != nil {
		return nil, err
	}
	sessionID, err := requiredString(in, "session_id")
	if err != nil {
		return nil, err
	}
	return h.cartReply(model.UserOwner(userID))(h.carts.MergeGuestCart(ctx, userID, sessionID))
}

// Checkout places an order for the addressed cart. Guest carts name the
// account the order belongs to in account_id.
func (h *ShoppingHandler) Checkout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(in)
	if err != nil {
		return nil, err
	}
	req := service.CheckoutRequest{
		Owner:           owner,
		DiscountCode:    optionalString(in, "discount_code"),
		ShippingAddress: addressFrom(in.GetFields()["shipping_address"].GetStructValue()),
		ShippingMethod:  model.ShippingMethod(strings.ToUpper(optionalString(in, "shipping_method"))),
		Notes:           optionalString(in, "notes"),
	}
	if billing := in.GetFields()["billing_address"].GetStructValue(); billing != nil {
		address := addressFrom(billing)
		req.BillingAddress = &address
	}
	if optionalString(in, "account_id") != "" {
		if req.UserID, err = idFrom(in, "account_id"); err != nil {
			return nil, err
		}
	}

	order, err := h.checkout.Checkout(ctx, req)
	if err != nil {
		return nil, h.reject(owner, err)
	}
	out, err := encodeOrder(order)
	if err != nil {
		return nil, h.reject(owner, err)
	}
	return out, nil
}

func (h *ShoppingHandler) cartReply(owner model.CartOwner) func(*model.Cart, error) (*structpb.Struct, error) {
	return func(cart *model.Cart, err error) (*structpb.Struct, error) {
		if err != nil {
			return nil, h.reject(owner, err)
		}
		out, err := encodeCart(cart)
		if err != nil {
			return nil, h.reject(owner, err)
		}
		return out, nil
	}
}

func (h *ShoppingHandler) reject(owner model.CartOwner, err error) error {
	return rejection(h.logger.WithField("cart", owner.String()), err, "shopping call")
}

func ownerFrom(in *structpb.Struct) (model.CartOwner, error) {
	owner := model.CartOwner{SessionID: optionalString(in, "session_id")}
	if optionalString(in, "user_id") != "" {
		userID, err := idFrom(in, "user_id")
		if err != nil {
			return model.CartOwner{}, err
		}
		owner.UserID = userID
	}
	return owner, nil
}

func quantityFrom(in *structpb.Struct) (int, error) {
	value, ok := in.GetFields()["quantity"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "quantity is required")
	}
	n := value.NumberValue
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "quantity %v is not a whole number", n)
	}
	return int(n), nil
}

func addressFrom(in *structpb.Struct) model.Address {
	return model.Address{
		Street:     optionalString(in, "street"),
		Line2:      optionalString(in, "line2"),
		City:       optionalString(in, "city"),
		State:      optionalString(in, "state"),
		PostalCode: optionalString(in, "postal_code"),
		Country:    optionalString(in, "country"),
		Phone:      optionalString(in, "phone"),
	}
}

// Amounts travel as fixed two-decimal strings.
func encodeCart(cart *model.Cart) (*structpb.Struct, error) {
	items := make([]interface{}, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, map[string]interface{}{
			"id":         item.ID.String(),
			"product_id": item.ProductID.String(),
			"sku":        item.SKU,
			"quantity":   item.Quantity,
			"unit_price": item.UnitPrice.StringFixed(2),
			"total":      item.Total().StringFixed(2),
		})
	}
	fields := map[string]interface{}{
		"id":              cart.ID.String(),
		"items":           items,
		"discount_code":   cart.DiscountCode,
		"discount_amount": cart.DiscountAmount.StringFixed(2),
		"subtotal":        cart.Subtotal().StringFixed(2),
		"total":           cart.Total().StringFixed(2),
		"item_count":      cart.ItemCount(),
		"version":         cart.Version,
	}
	if cart.Owner.UserID != uuid.Nil {
		fields["user_id"] = cart.Owner.UserID.String()
	}
	if cart.Owner.SessionID != "" {
		fields["session_id"] = cart.Owner.SessionID
	}
	out, err := structpb.NewStruct(fields)
	return out, errors.Wrap(err, "encode cart")
}

func encodeOrder(order *model.Order) (*structpb.Struct, error) {
	items := make([]interface{}, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]interface{}{
			"id":              item.ID.String(),
			"product_id":      item.ProductID.String(),
			"sku":             item.SKU,
			"quantity":        item.Quantity,
			"unit_price":      item.UnitPrice.StringFixed(2),
			"discount_amount": item.DiscountAmount.StringFixed(2),
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"id":              order.ID.String(),
		"order_number":    order.OrderNumber,
		"user_id":         order.UserID.String(),
		"status":          order.Status.String(),
		"items":           items,
		"shipping_method": string(order.ShippingMethod),
		"discount_code":   order.DiscountCode,
		"subtotal":        order.Subtotal.StringFixed(2),
		"discount_amount": order.DiscountAmount.StringFixed(2),
		"tax_amount":      order.TaxAmount.StringFixed(2),
		"shipping_amount": order.ShippingAmount.StringFixed(2),
		"total":           order.Total.StringFixed(2),
		"currency":        order.Currency,
	})
	return out, errors.Wrap(err, "encode order")
}
