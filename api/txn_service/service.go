package txnservice

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sushant-115/gojotxn/core/transaction"
)

const serviceName = "gojotxn.TransactionService"

// TransactionServiceServer is the server API of the transaction service.
type TransactionServiceServer interface {
	List(context.Context, *transaction.ListRequest) (*ListResponse, error)
	AbortAllWrite(context.Context, *transaction.AbortRequest) (*AbortAllWriteResponse, error)
	Status(context.Context, *TransactionRequest) (*StatusResponse, error)
	Commit(context.Context, *TransactionRequest) (*StatusResponse, error)
	Abort(context.Context, *TransactionRequest) (*StatusResponse, error)
	Hold(context.Context, *HoldRequest) (*Empty, error)
	Release(context.Context, *Empty) (*Empty, error)
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Members(context.Context, *Empty) (*MembersResponse, error)
}

// RegisterTransactionServiceServer registers srv on s.
func RegisterTransactionServiceServer(s grpc.ServiceRegistrar, srv TransactionServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// unary adapts a typed method to a grpc.MethodDesc handler.
func unary[Req any, Resp any](name string, call func(TransactionServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(TransactionServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TransactionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("List", TransactionServiceServer.List),
		unary("AbortAllWrite", TransactionServiceServer.AbortAllWrite),
		unary("Status", TransactionServiceServer.Status),
		unary("Commit", TransactionServiceServer.Commit),
		unary("Abort", TransactionServiceServer.Abort),
		unary("Hold", TransactionServiceServer.Hold),
		unary("Release", TransactionServiceServer.Release),
		unary("Join", TransactionServiceServer.Join),
		unary("Members", TransactionServiceServer.Members),
	},
	Metadata: "gojotxn/transaction_service",
}
