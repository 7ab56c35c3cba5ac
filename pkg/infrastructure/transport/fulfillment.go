package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"commerce/pkg/domain/model"
	"commerce/pkg/domain/service"
	"commerce/pkg/infrastructure/shipping"
)

const fulfillmentServiceName = "commerce.FulfillmentEvents"

// FulfillmentEventsServer takes the notifications the payment and shipping
// collaborators send about an order. Payloads are plain structs keyed by
// snake_case field names.
type FulfillmentEventsServer interface {
	PaymentConfirmed(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	PaymentFailed(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Shipped(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	OutForDelivery(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Delivered(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

func RegisterFulfillmentEventsServer(s grpc.ServiceRegistrar, srv FulfillmentEventsServer) {
	s.RegisterService(&fulfillmentEventsServiceDesc, srv)
}

var fulfillmentEventsServiceDesc = grpc.ServiceDesc{
	ServiceName: fulfillmentServiceName,
	HandlerType: (*FulfillmentEventsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(fulfillmentServiceName, "PaymentConfirmed", FulfillmentEventsServer.PaymentConfirmed),
		unaryMethod(fulfillmentServiceName, "PaymentFailed", FulfillmentEventsServer.PaymentFailed),
		unaryMethod(fulfillmentServiceName, "Shipped", FulfillmentEventsServer.Shipped),
		unaryMethod(fulfillmentServiceName, "OutForDelivery", FulfillmentEventsServer.OutForDelivery),
		unaryMethod(fulfillmentServiceName, "Delivered", FulfillmentEventsServer.Delivered),
		unaryMethod(fulfillmentServiceName, "Cancel", FulfillmentEventsServer.Cancel),
	},
	Streams: []grpc.StreamDesc{},
}

// unaryMethod adapts a method expression of the handler interface S into a
// descriptor. Every request is a structpb.Struct.
func unaryMethod[S any, R any](service, name string, call func(S, context.Context, *structpb.Struct) (R, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				out, err := call(srv.(S), ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, err
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FulfillmentEventsClient is the caller side used by collaborators and tests.
type FulfillmentEventsClient struct {
	conn grpc.ClientConnInterface
}

func NewFulfillmentEventsClient(conn grpc.ClientConnInterface) *FulfillmentEventsClient {
	return &FulfillmentEventsClient{conn: conn}
}

func (c *FulfillmentEventsClient) Send(ctx context.Context, method string, fields map[string]interface{}) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	return c.conn.Invoke(ctx, "/"+fulfillmentServiceName+"/"+method, in, new(emptypb.Empty))
}

type FulfillmentHandler struct {
	checkout service.CheckoutService
	orders   service.OrderService
	logger   logrus.FieldLogger
}

func NewFulfillmentHandler(checkout service.CheckoutService, orders service.OrderService, logger logrus.FieldLogger) *FulfillmentHandler {
	return &FulfillmentHandler{
		checkout: checkout,
		orders:   orders,
		logger:   logger.WithField("component", "fulfillment"),
	}
}

func (h *FulfillmentHandler) PaymentConfirmed(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	reference, err := requiredString(in, "payment_reference")
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.checkout.ConfirmPayment(ctx, orderID, reference))
}

func (h *FulfillmentHandler) PaymentFailed(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.checkout.FailPayment(ctx, orderID, optionalString(in, "reason")))
}

func (h *FulfillmentHandler) Shipped(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	tracking, err := requiredString(in, "tracking_number")
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.orders.MarkShipped(ctx, orderID, tracking))
}

func (h *FulfillmentHandler) OutForDelivery(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.orders.MarkOutForDelivery(ctx, orderID))
}

func (h *FulfillmentHandler) Delivered(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.orders.MarkDelivered(ctx, orderID))
}

func (h *FulfillmentHandler) Cancel(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	orderID, err := orderIDFrom(in)
	if err != nil {
		return nil, err
	}
	return h.respond(in, h.checkout.Cancel(ctx, orderID, optionalString(in, "reason")))
}

func (h *FulfillmentHandler) respond(in *structpb.Struct, err error) (*emptypb.Empty, error) {
	if err != nil {
		return nil, rejection(h.logger.WithField("order_id", optionalString(in, "order_id")), err, "fulfillment event")
	}
	return &emptypb.Empty{}, nil
}

// rejection logs a failed call, at error level only when the caller cannot
// fix it, and returns the status to send back.
func rejection(logger logrus.FieldLogger, err error, call string) error {
	st := statusFromError(err)
	entry := logger.WithError(err)
	if status.Code(st) == codes.Internal {
		entry.Error(call + " failed")
	} else {
		entry.Warn(call + " rejected")
	}
	return st
}

func orderIDFrom(in *structpb.Struct) (uuid.UUID, error) {
	return idFrom(in, "order_id")
}

func idFrom(in *structpb.Struct, field string) (uuid.UUID, error) {
	raw, err := requiredString(in, field)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s %q is not a valid id", field, raw)
	}
	return id, nil
}

func requiredString(in *structpb.Struct, field string) (string, error) {
	value := optionalString(in, field)
	if value == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return value, nil
}

func optionalString(in *structpb.Struct, field string) string {
	return in.GetFields()[field].GetStringValue()
}

// statusFromError maps domain errors onto gRPC codes.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, model.ErrEntityNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrInvalidOrderState),
		errors.Is(err, model.ErrInsufficientStock),
		errors.Is(err, model.ErrInvalidDiscount),
		errors.Is(err, model.ErrEmptyCart):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidAddress),
		errors.Is(err, model.ErrInvalidCartOwner),
		errors.Is(err, shipping.ErrUnsupportedMethod):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrOptimisticLock):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Errorf(codes.Internal, "internal error: %v", err)
}
