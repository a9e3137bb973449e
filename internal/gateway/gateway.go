// Package gateway serves the Bridge service to HTTP/1.1 clients. JSON routes
// live on a grpc-gateway mux and call the gRPC service in process, so auth,
// validation and error codes are shared with gRPC callers. Notifications are
// streamed over a WebSocket.
//
//	POST /v1/send      body: command text
//	POST /v1/execute   body: {"command", "response", "with_id", "timeout_ms"}
//	GET  /v1/status
//	POST /v1/connect   ?force=true
//	GET  /v1/watch     WebSocket, ?prefix=... (repeatable), ?token=...
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/skypebridge/internal/hub"
	"go.klb.dev/skypebridge/internal/rpc"
)

// maxBody caps request bodies (1 MiB).
const maxBody = 1 << 20

// Gateway routes HTTP requests to a *rpc.Service.
type Gateway struct {
	svc *rpc.Service
	h   *hub.Hub
	mux *gwruntime.ServeMux
}

// New builds the HTTP routes for svc. Watchers register on h.
func New(svc *rpc.Service, h *hub.Hub) (*Gateway, error) {
	g := &Gateway{
		svc: svc,
		h:   h,
		mux: gwruntime.NewServeMux(
			gwruntime.WithIncomingHeaderMatcher(headerMatcher),
			gwruntime.WithMarshalerOption(gwruntime.MIMEWildcard, &gwruntime.JSONPb{
				MarshalOptions:   protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true},
				UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
			}),
		),
	}
	routes := []struct {
		method, path string
		h            gwruntime.HandlerFunc
	}{
		{http.MethodPost, "/v1/send", g.send},
		{http.MethodPost, "/v1/execute", g.execute},
		{http.MethodGet, "/v1/status", g.status},
		{http.MethodPost, "/v1/connect", g.connect},
		{http.MethodGet, "/v1/watch", g.watch},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("gateway: route %s %s: %w", rt.method, rt.path, err)
		}
	}
	return g, nil
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.mux }

// Serve runs an HTTP/1.1 server on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked WebSocket requests outlive Shutdown; their context ends with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// headerMatcher forwards the source header alongside the gateway defaults.
func headerMatcher(key string) (string, bool) {
	if strings.EqualFold(key, rpc.SourceHeader) {
		return rpc.SourceHeader, true
	}
	return gwruntime.DefaultHeaderMatcher(key)
}

// annotate turns the request headers into incoming gRPC metadata.
func (g *Gateway) annotate(r *http.Request, method string) (context.Context, error) {
	ctx, err := gwruntime.AnnotateIncomingContext(r.Context(), g.mux, r, rpc.FullMethod(method))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return gwruntime.NewServerMetadataContext(ctx, gwruntime.ServerMetadata{}), nil
}

func (g *Gateway) reply(ctx context.Context, w http.ResponseWriter, r *http.Request, msg proto.Message, err error) {
	_, out := gwruntime.MarshalerForRequest(g.mux, r)
	if err != nil {
		gwruntime.HTTPError(ctx, g.mux, out, w, r, err)
		return
	}
	gwruntime.ForwardResponseMessage(ctx, g.mux, out, w, r, msg)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.annotate(r, "Send")
	if err != nil {
		g.reply(r.Context(), w, r, nil, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		g.reply(ctx, w, r, nil, status.Error(codes.InvalidArgument, err.Error()))
		return
	}
	cmd := strings.TrimRight(string(body), "\r\n")
	resp, err := g.svc.Send(ctx, wrapperspb.String(cmd))
	g.reply(ctx, w, r, resp, err)
}

func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.annotate(r, "Execute")
	if err != nil {
		g.reply(r.Context(), w, r, nil, err)
		return
	}
	in, _ := gwruntime.MarshalerForRequest(g.mux, r)
	req := new(structpb.Struct)
	if err := in.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(req); err != nil {
		g.reply(ctx, w, r, nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}
	resp, err := g.svc.Execute(ctx, req)
	if err != nil {
		g.reply(ctx, w, r, nil, err)
		return
	}
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"response": structpb.NewStringValue(resp.GetValue()),
	}}
	g.reply(ctx, w, r, out, nil)
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.annotate(r, "Status")
	if err != nil {
		g.reply(r.Context(), w, r, nil, err)
		return
	}
	resp, err := g.svc.Status(ctx, &emptypb.Empty{})
	g.reply(ctx, w, r, resp, err)
}

func (g *Gateway) connect(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.annotate(r, "Connect")
	if err != nil {
		g.reply(r.Context(), w, r, nil, err)
		return
	}
	var force bool
	if s := r.URL.Query().Get("force"); s != "" {
		if force, err = strconv.ParseBool(s); err != nil {
			g.reply(ctx, w, r, nil, status.Errorf(codes.InvalidArgument, "force: %v", err))
			return
		}
	}
	resp, err := g.svc.Connect(ctx, wrapperspb.Bool(force))
	g.reply(ctx, w, r, resp, err)
}
