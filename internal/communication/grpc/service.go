package grpccomm

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName       = "sandmem.MessageService"
	sendMessageMethod = "/" + serviceName + "/SendMessage"
)

type messageServer interface {
	SendMessage(ctx context.Context, req *messageRequest) (*messageResponse, error)
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*messageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sandmem/message.cbor",
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(messageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messageServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(messageServer).SendMessage(ctx, req.(*messageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeSendMessage(ctx context.Context, conn *grpc.ClientConn, req *messageRequest) (*messageResponse, error) {
	out := new(messageResponse)
	if err := conn.Invoke(ctx, sendMessageMethod, req, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}
