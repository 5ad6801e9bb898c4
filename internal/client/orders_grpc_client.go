package client

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const createOrderMethod = "/orders.v1.OrderService/CreateOrderFromReservation"

// OrderGRPCClient calls the order service to turn a confirmed reservation into
// an order. Requests and responses are google.protobuf.Struct messages.
type OrderGRPCClient struct {
	conn *grpc.ClientConn
}

// NewOrderGRPCClient creates a client for the order service at addr.
func NewOrderGRPCClient(addr string) (*OrderGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &OrderGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *OrderGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// CreateOrderFromReservation requests an order for the reservation. The
// reservation id doubles as the idempotency key.
func (c *OrderGRPCClient) CreateOrderFromReservation(ctx context.Context, reservationID string) (string, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"reservation_id":  reservationID,
		"idempotency_key": reservationID,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to build order request")
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(withIdempotencyKey(ctx, reservationID), createOrderMethod, req, resp); err != nil {
		return "", orderError(err)
	}

	orderID := resp.GetFields()["order_id"].GetStringValue()
	if orderID == "" {
		return "", errors.New(errors.ErrCodeInternal, "order service returned no order_id")
	}
	return orderID, nil
}

func orderError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "order service call failed")
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "order service rejected the reservation")
	case codes.NotFound:
		return errors.Wrap(err, errors.ErrCodeNotFound, "order service could not find the reservation")
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return errors.Wrap(err, errors.ErrCodeUnavailable, "order service unavailable")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "order service call failed")
}

// NoopOrderGenerator derives order ids locally. It is used when no order
// service is configured; the same reservation always maps to the same order.
type NoopOrderGenerator struct{}

func (NoopOrderGenerator) CreateOrderFromReservation(_ context.Context, reservationID string) (string, error) {
	if reservationID == "" {
		return "", errors.InvalidInput("reservation_id", "is required")
	}
	return "ORD-" + reservationID, nil
}
