package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls skypebridge.v1.Bridge.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ExecuteRequest mirrors the Execute request struct.
type ExecuteRequest struct {
	Command  string
	Response string
	WithID   bool
	Timeout  time.Duration
}

func (r ExecuteRequest) toStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"command":    structpb.NewStringValue(r.Command),
		"response":   structpb.NewStringValue(r.Response),
		"with_id":    structpb.NewBoolValue(r.WithID),
		"timeout_ms": structpb.NewNumberValue(float64(r.Timeout.Milliseconds())),
	}}
}

func (c *Client) Send(ctx context.Context, command string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodSend, wrapperspb.String(command), new(emptypb.Empty), opts...)
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodExecute, req.toStruct(), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Connect(ctx context.Context, force bool, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodConnect, wrapperspb.Bool(force), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens a notification stream filtered by prefixes (none = all).
func (c *Client) Watch(ctx context.Context, prefixes []string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &BridgeServiceDesc.Streams[0], methodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(watchRequest(prefixes)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func watchRequest(prefixes []string) *structpb.Struct {
	vals := make([]*structpb.Value, len(prefixes))
	for i, p := range prefixes {
		vals[i] = structpb.NewStringValue(p)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"prefixes": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}
