// Package grpcserver exposes orchestrator health and the introspection model
// over gRPC.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"panostitch/internal/events"
	"panostitch/internal/pano"
	"panostitch/internal/stitcher"
)

// ServiceName is the health service name and the prefix of the
// introspection service.
const (
	ServiceName          = "panostitch"
	IntrospectionService = "panostitch.v1.Introspection"
)

// Server serves health and introspection RPCs for one Stitcher.
type Server struct {
	st      *stitcher.Stitcher
	health  *health.Server
	log     *slog.Logger
	tracker events.Tracker
}

func New(st *stitcher.Stitcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{st: st, health: health.NewServer(), log: logger}
	s.updateHealth()
	// the state is final once the result event has been emitted
	st.Bus().Result.SubscribeTracked(&s.tracker, func([]*pano.Image) { s.updateHealth() })
	return s
}

// ServingStatus maps the orchestrator state onto a health status: the
// service is NOT_SERVING after a run that produced nothing.
func ServingStatus(state stitcher.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == stitcher.StateFailed {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *Server) updateHealth() {
	st := ServingStatus(s.st.State())
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Register installs the health and introspection services on g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
	g.RegisterService(&introspectionDesc, s)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		g.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Close detaches the server from the event bus.
func (s *Server) Close() {
	s.tracker.Close()
}

func (s *Server) GetSchema(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"items": s.st.Schema()})
}

func (s *Server) GetParameters(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.st.Parameters())
}

func (s *Server) GetComponents(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	comps := s.st.Model().Components()
	out := make([]map[string]any, len(comps))
	for i, c := range comps {
		out[i] = map[string]any{
			"indices": c.Indices,
			"width":   c.Size().X,
			"height":  c.Size().Y,
			"origin":  []int{c.Origin.X, c.Origin.Y},
		}
	}
	return toStruct(map[string]any{
		"state":      s.st.State().String(),
		"components": out,
	})
}

// GetCamera expects {"index": n}.
func (s *Server) GetCamera(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["index"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "index is required")
	}
	idx := int(v.GetNumberValue())
	cam, ok := s.st.Model().CameraParams(idx)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no camera for image %d", idx)
	}
	return toStruct(cam)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "decode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "struct: %v", err)
	}
	return out, nil
}

// introspectionServer is the handler contract of introspectionDesc.
type introspectionServer interface {
	GetSchema(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetParameters(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetComponents(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetCamera(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func emptyHandler(call func(introspectionServer, context.Context, *emptypb.Empty) (*structpb.Struct, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(introspectionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + IntrospectionService + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(introspectionServer), ctx, req.(*emptypb.Empty))
			})
		},
	}
}

var introspectionDesc = grpc.ServiceDesc{
	ServiceName: IntrospectionService,
	HandlerType: (*introspectionServer)(nil),
	Methods: []grpc.MethodDesc{
		emptyHandler(introspectionServer.GetSchema, "GetSchema"),
		emptyHandler(introspectionServer.GetParameters, "GetParameters"),
		emptyHandler(introspectionServer.GetComponents, "GetComponents"),
		{
			MethodName: "GetCamera",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(introspectionServer).GetCamera(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + IntrospectionService + "/GetCamera"}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return srv.(introspectionServer).GetCamera(ctx, req.(*structpb.Struct))
				})
			},
		},
	},
	Metadata: "panostitch/v1/introspection.proto",
}

// Client is a thin caller for the introspection service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, in any) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+IntrospectionService+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSchema(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "GetSchema", &emptypb.Empty{})
}

func (c *Client) GetParameters(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "GetParameters", &emptypb.Empty{})
}

func (c *Client) GetComponents(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "GetComponents", &emptypb.Empty{})
}

func (c *Client) GetCamera(ctx context.Context, index int) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"index": index})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "GetCamera", req)
}
