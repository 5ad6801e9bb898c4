package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// IdempotencyKeyHeader carries the reservation id on order calls so the order
// service can deduplicate retried requests.
const IdempotencyKeyHeader = "idempotency-key"

// forwardMetadata is a gRPC unary client interceptor that propagates incoming
// request metadata, such as the caller's auth token, to the order service.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		out, _ := metadata.FromOutgoingContext(ctx)
		ctx = metadata.NewOutgoingContext(ctx, metadata.Join(md, out))
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, IdempotencyKeyHeader, key)
}
