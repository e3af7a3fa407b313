package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName             = "consult.v1.WalletAdmin"
	methodGetBalance        = "/consult.v1.WalletAdmin/GetBalance"
	methodListEntries       = "/consult.v1.WalletAdmin/ListEntries"
	methodPayout            = "/consult.v1.WalletAdmin/Payout"
	methodReconcile         = "/consult.v1.WalletAdmin/Reconcile"
	methodVerifyCorrelation = "/consult.v1.WalletAdmin/VerifyCorrelation"
)

// WalletAdminServer is the operator surface of the wallet. Messages are structpb.Struct documents.
type WalletAdminServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Payout(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Reconcile(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	VerifyCorrelation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// WalletAdminServiceDesc describes the service for grpc.Server.RegisterService.
var WalletAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler(methodGetBalance, WalletAdminServer.GetBalance)},
		{MethodName: "ListEntries", Handler: unaryHandler(methodListEntries, WalletAdminServer.ListEntries)},
		{MethodName: "Payout", Handler: unaryHandler(methodPayout, WalletAdminServer.Payout)},
		{MethodName: "Reconcile", Handler: unaryHandler(methodReconcile, WalletAdminServer.Reconcile)},
		{MethodName: "VerifyCorrelation", Handler: unaryHandler(methodVerifyCorrelation, WalletAdminServer.VerifyCorrelation)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "consult/v1/wallet_admin",
}

// RegisterWalletAdminServer registers the implementation on a grpc.ServiceRegistrar.
func RegisterWalletAdminServer(registrar grpc.ServiceRegistrar, server WalletAdminServer) {
	registrar.RegisterService(&WalletAdminServiceDesc, server)
}

type unaryMethod func(WalletAdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(WalletAdminServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return method(srv.(WalletAdminServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// WalletAdminClient calls the service over a client connection.
type WalletAdminClient struct {
	conn grpc.ClientConnInterface
}

// NewWalletAdminClient wraps a connection.
func NewWalletAdminClient(conn grpc.ClientConnInterface) *WalletAdminClient {
	return &WalletAdminClient{conn: conn}
}

func (client *WalletAdminClient) invoke(ctx context.Context, method string, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(request)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, method, in, out, options...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *WalletAdminClient) GetBalance(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *WalletAdminClient) ListEntries(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListEntries, request, options...)
}

func (client *WalletAdminClient) Payout(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodPayout, request, options...)
}

func (client *WalletAdminClient) Reconcile(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReconcile, request, options...)
}

func (client *WalletAdminClient) VerifyCorrelation(ctx context.Context, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodVerifyCorrelation, request, options...)
}
