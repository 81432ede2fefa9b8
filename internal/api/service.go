package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/outbox"
)

// Service names on the wire.
const (
	SessionServiceName = "swoon.v1.SessionService"
	MessageServiceName = "swoon.v1.MessageService"
	CallServiceName    = "swoon.v1.CallService"
)

// SessionServer is the server API for SessionService.
type SessionServer interface {
	SignIn(context.Context, *SignInRequest) (*SignInResponse, error)
	SignOut(context.Context, *SignOutRequest) (*SignOutResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
}

// MessageServer is the server API for MessageService.
type MessageServer interface {
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	RetryMessage(context.Context, *RetryMessageRequest) (*RetryMessageResponse, error)
	WatchMessageUpdates(*WatchMessagesRequest, grpc.ServerStreamingServer[outbox.MessageUpdate]) error
}

// CallServer is the server API for CallService.
type CallServer interface {
	StartCall(context.Context, *StartCallRequest) (*CallResponse, error)
	AcceptCall(context.Context, *CallRequest) (*CallResponse, error)
	DeclineCall(context.Context, *CallRequest) (*CallResponse, error)
	EndCall(context.Context, *EndCallRequest) (*CallResponse, error)
	ToggleMute(context.Context, *ToggleRequest) (*ToggleResponse, error)
	ToggleVideo(context.Context, *ToggleRequest) (*ToggleResponse, error)
	WatchCallEvents(*WatchCallsRequest, grpc.ServerStreamingServer[call.CallEvent]) error
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "SignIn", SessionServer.SignIn),
		unary(SessionServiceName, "SignOut", SessionServer.SignOut),
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
	},
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "SendMessage", MessageServer.SendMessage),
		unary(MessageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(MessageServiceName, "ListPending", MessageServer.ListPending),
		unary(MessageServiceName, "RetryMessage", MessageServer.RetryMessage),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchMessageUpdates", MessageServer.WatchMessageUpdates),
	},
}

var callServiceDesc = grpc.ServiceDesc{
	ServiceName: CallServiceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(CallServiceName, "StartCall", CallServer.StartCall),
		unary(CallServiceName, "AcceptCall", CallServer.AcceptCall),
		unary(CallServiceName, "DeclineCall", CallServer.DeclineCall),
		unary(CallServiceName, "EndCall", CallServer.EndCall),
		unary(CallServiceName, "ToggleMute", CallServer.ToggleMute),
		unary(CallServiceName, "ToggleVideo", CallServer.ToggleVideo),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchCallEvents", CallServer.WatchCallEvents),
	},
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

// RegisterCallServer registers srv on s.
func RegisterCallServer(s grpc.ServiceRegistrar, srv CallServer) {
	s.RegisterService(&callServiceDesc, srv)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds the method descriptor for a request/response handler,
// validating the decoded request before the interceptor chain runs.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if err := validateRequest(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func serverStream[S, Req, Resp any](name string, fn func(S, *Req, grpc.ServerStreamingServer[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			if err := validateRequest(in); err != nil {
				return err
			}
			return fn(srv.(S), in, &grpc.GenericServerStream[Req, Resp]{ServerStream: stream})
		},
	}
}
