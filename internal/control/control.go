// Package control implements the engine's optional local gRPC control
// surface: a small BridgeControl service exposing Status, Subscribe,
// AuthorizeDevice, and SendInfo to an out-of-process caller (a CLI, a local
// dashboard), repurposing the reference engine's grpc/protobuf stack for a
// much smaller surface than its full VPN-service API. Disabled unless
// configured with a listen address.
package control

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"mobilebridge/internal/corebus"
	"mobilebridge/internal/corelog"
	"mobilebridge/internal/transport"
)

// bridgeControlServer is the handler type grpc.ServiceDesc dispatches to.
// Every request/response is a well-known protobuf type (structpb.Struct,
// emptypb.Empty): the surface is small and generic enough that it needs no
// custom .proto-generated message types.
type bridgeControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AuthorizeDevice(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SendInfo(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Subscribe(*emptypb.Empty, subscribeStream) error
}

// subscribeStream is the server-streaming half of Subscribe; grpc.ServerStream
// supplies SendMsg/Context, narrowed here to the one message type this
// service streams.
type subscribeStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type subscribeServerStream struct{ grpc.ServerStream }

func (s *subscribeServerStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "mobilebridge.control.BridgeControl",
	HandlerType: (*bridgeControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(bridgeControlServer).Status(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mobilebridge.control.BridgeControl/Status"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(bridgeControlServer).Status(ctx, req.(*emptypb.Empty))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "AuthorizeDevice",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(bridgeControlServer).AuthorizeDevice(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mobilebridge.control.BridgeControl/AuthorizeDevice"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(bridgeControlServer).AuthorizeDevice(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "SendInfo",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(bridgeControlServer).SendInfo(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mobilebridge.control.BridgeControl/SendInfo"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(bridgeControlServer).SendInfo(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(bridgeControlServer).Subscribe(in, &subscribeServerStream{stream})
			},
		},
	},
	Metadata: "internal/control/bridgecontrol.proto",
}

// Server implements bridgeControlServer, backed directly by the engine's
// transport manager and event bus.
type Server struct {
	transports *transport.Manager
	bus        *corebus.Bus
	log        *corelog.Logger

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer creates a control server. It does not listen until Start is
// called.
func NewServer(transports *transport.Manager, bus *corebus.Bus, log *corelog.Logger) *Server {
	if log == nil {
		log = corelog.Default
	}
	return &Server{transports: transports, bus: bus, log: log}
}

// Start binds addr and begins serving in a background goroutine. Returns
// once the listener is bound; serve errors are logged, not returned (this
// mirrors the ambient control surface being best-effort and optional).
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	s.listener = ln

	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			s.log.Warnf("control", "serve exited: %v", err)
		}
	}()
	s.log.Infof("control", "listening on %s", addr)
	return nil
}

// Stop gracefully stops the gRPC server, if started.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Status reports the currently active transport id as a generic struct
// (kept schema-light since this surface has no generated message type for
// it). The transport's state is not included.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"activeTransportId": s.transports.ActiveTransportID(),
	})
}

// AuthorizeDevice expects a struct with string fields "token" and bool field
// "authorize".
func (s *Server) AuthorizeDevice(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	token := fields["token"].GetStringValue()
	authorize := fields["authorize"].GetBoolValue()
	if token == "" {
		return nil, fmt.Errorf("control: authorize_device requires a token")
	}
	s.transports.AuthorizeDevice(token, authorize)
	return &emptypb.Empty{}, nil
}

// SendInfo expects a struct with "token" (string), "infoId" (number), "text"
// (string).
func (s *Server) SendInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	token := fields["token"].GetStringValue()
	infoID := uint32(fields["infoId"].GetNumberValue())
	text := fields["text"].GetStringValue()
	if token == "" {
		return nil, fmt.Errorf("control: send_info requires a token")
	}
	if err := s.transports.SendInfo(token, infoID, text); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Subscribe streams TransportStateChanged events as they occur on the bus
// until the client disconnects.
func (s *Server) Subscribe(_ *emptypb.Empty, stream subscribeStream) error {
	events := make(chan *structpb.Struct, 16)
	s.bus.Subscribe(corebus.EventTransportStateChanged, func(ev corebus.Event) {
		p, ok := ev.Payload.(corebus.TransportStatePayload)
		if !ok {
			return
		}
		st, err := structpb.NewStruct(map[string]any{
			"transportId": p.TransportID,
			"state":       p.State,
		})
		if err != nil {
			return
		}
		select {
		case events <- st:
		default:
			s.log.Warnf("control", "subscriber too slow, dropping event")
		}
	})

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}
