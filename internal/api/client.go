package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/outbox"
)

// Client is a typed client for the daemon's services.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		CallOption(),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must use
// CallOption.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, service, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(service, method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func watch[Req, Resp any](ctx context.Context, c *Client, desc *grpc.ServiceDesc, req *Req) (grpc.ServerStreamingClient[Resp], error) {
	sd := &desc.Streams[0]
	stream, err := c.conn.NewStream(ctx, sd, fullMethod(desc.ServiceName, sd.StreamName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[Req, Resp]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *Client) SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error) {
	return invoke[SignInRequest, SignInResponse](ctx, c, SessionServiceName, "SignIn", req)
}

func (c *Client) SignOut(ctx context.Context) (*SignOutResponse, error) {
	return invoke[SignOutRequest, SignOutResponse](ctx, c, SessionServiceName, "SignOut", &SignOutRequest{})
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[GetStatusRequest, StatusResponse](ctx, c, SessionServiceName, "GetStatus", &GetStatusRequest{})
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	return invoke[SendMessageRequest, SendMessageResponse](ctx, c, MessageServiceName, "SendMessage", req)
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesRequest, ListMessagesResponse](ctx, c, MessageServiceName, "ListMessages", req)
}

func (c *Client) ListPending(ctx context.Context, req *ListPendingRequest) (*ListPendingResponse, error) {
	return invoke[ListPendingRequest, ListPendingResponse](ctx, c, MessageServiceName, "ListPending", req)
}

func (c *Client) RetryMessage(ctx context.Context, req *RetryMessageRequest) (*RetryMessageResponse, error) {
	return invoke[RetryMessageRequest, RetryMessageResponse](ctx, c, MessageServiceName, "RetryMessage", req)
}

// WatchMessageUpdates streams pipeline updates until ctx is cancelled.
func (c *Client) WatchMessageUpdates(ctx context.Context, req *WatchMessagesRequest) (grpc.ServerStreamingClient[outbox.MessageUpdate], error) {
	return watch[WatchMessagesRequest, outbox.MessageUpdate](ctx, c, &messageServiceDesc, req)
}

func (c *Client) StartCall(ctx context.Context, req *StartCallRequest) (*CallResponse, error) {
	return invoke[StartCallRequest, CallResponse](ctx, c, CallServiceName, "StartCall", req)
}

func (c *Client) AcceptCall(ctx context.Context, callID string) (*CallResponse, error) {
	return invoke[CallRequest, CallResponse](ctx, c, CallServiceName, "AcceptCall", &CallRequest{CallID: callID})
}

func (c *Client) DeclineCall(ctx context.Context, callID string) (*CallResponse, error) {
	return invoke[CallRequest, CallResponse](ctx, c, CallServiceName, "DeclineCall", &CallRequest{CallID: callID})
}

func (c *Client) EndCall(ctx context.Context) (*CallResponse, error) {
	return invoke[EndCallRequest, CallResponse](ctx, c, CallServiceName, "EndCall", &EndCallRequest{})
}

func (c *Client) ToggleMute(ctx context.Context) (*ToggleResponse, error) {
	return invoke[ToggleRequest, ToggleResponse](ctx, c, CallServiceName, "ToggleMute", &ToggleRequest{})
}

func (c *Client) ToggleVideo(ctx context.Context) (*ToggleResponse, error) {
	return invoke[ToggleRequest, ToggleResponse](ctx, c, CallServiceName, "ToggleVideo", &ToggleRequest{})
}

// WatchCallEvents streams call events until ctx is cancelled.
func (c *Client) WatchCallEvents(ctx context.Context) (grpc.ServerStreamingClient[call.CallEvent], error) {
	return watch[WatchCallsRequest, call.CallEvent](ctx, c, &callServiceDesc, &WatchCallsRequest{})
}
