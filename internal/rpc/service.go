package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/skypebridge/internal/command"
	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/message"
	"go.klb.dev/skypebridge/internal/relay"
	"go.klb.dev/skypebridge/internal/session"
)

// SourceHeader names the calling client in request metadata.
const SourceHeader = "x-skypebridge-source"

// watchBuffer is how many notifications a slow watcher may fall behind.
const watchBuffer = 64

// Relay is what the service needs from *relay.Relay.
type Relay interface {
	Send(ctx context.Context, cmd string)
	Execute(ctx context.Context, cmd, responseHeader string, withID bool) (string, error)
	Connect(ctx context.Context, force bool) (message.Status, error)
	Snapshot() relay.Snapshot
	Hub() *hub.Hub
}

// Service implements BridgeServer.
type Service struct {
	r     Relay
	token string // empty = no auth
}

// New returns a Service backed by r. token may be empty to disable auth.
func New(r Relay, token string) *Service {
	return &Service{r: r, token: token}
}

// Send implements Bridge.Send.
func (s *Service) Send(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	cmd := req.GetValue()
	if cmd == "" {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	slog.Debug("send requested", "source", sourceFromCtx(ctx), "command", cmd)
	s.r.Send(ctx, cmd)
	return &emptypb.Empty{}, nil
}

// Execute implements Bridge.Execute.
func (s *Service) Execute(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	f := req.GetFields()
	cmd := f["command"].GetStringValue()
	if cmd == "" {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	if ms := f["timeout_ms"].GetNumberValue(); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	resp, err := s.r.Execute(ctx, cmd, f["response"].GetStringValue(), f["with_id"].GetBoolValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(resp), nil
}

// Status implements Bridge.Status.
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	return s.snapshot()
}

// Connect implements Bridge.Connect.
func (s *Service) Connect(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.Struct, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	slog.Info("connect requested", "source", sourceFromCtx(ctx), "force", req.GetValue())
	if _, err := s.r.Connect(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot()
}

// Watch implements Bridge.Watch.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	if err := s.auth(ctx); err != nil {
		return err
	}

	var prefixes []string
	for _, v := range req.GetFields()["prefixes"].GetListValue().GetValues() {
		if p := v.GetStringValue(); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	wp := hub.NewChanPeer(hub.PeerInfo{
		Source:   sourceFromCtx(ctx),
		Addr:     addrFromCtx(ctx),
		Kind:     "grpc",
		Prefixes: prefixes,
	}, watchBuffer)

	h := s.r.Hub()
	h.Register(wp)
	defer h.Unregister(wp)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-wp.C():
			out, err := NotificationStruct(n)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func (s *Service) snapshot() (*structpb.Struct, error) {
	st, err := toStruct(s.r.Snapshot())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// Authorize applies the RPC token check to ctx. The HTTP gateway uses it for
// routes that do not map onto a unary call.
func (s *Service) Authorize(ctx context.Context) error { return s.auth(ctx) }

// auth validates the bearer token in ctx metadata. Skipped when s.token is empty.
func (s *Service) auth(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	tok, ok := strings.CutPrefix(vals[0], "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// NotificationStruct converts n to the Watch wire form.
func NotificationStruct(n message.Notification) (*structpb.Struct, error) {
	return toStruct(n)
}

// toStruct round-trips v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return structpb.NewStruct(m)
}

// toStatus maps relay errors to gRPC codes.
func toStatus(err error) error {
	var se *session.StatusError
	switch {
	case errors.Is(err, command.ErrCommandFailed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, command.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, session.ErrPeerNotFound), errors.As(err, &se):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func sourceFromCtx(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(SourceHeader); len(vals) > 0 {
			return vals[0]
		}
	}
	return addrFromCtx(ctx)
}

func addrFromCtx(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}
