package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the travel mode service
const ServiceName = "travelmode.v1.TravelModeService"

// TravelModeServer is the server API of the travel mode service. Every
// message is a google.protobuf.Struct.
type TravelModeServer interface {
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PushSample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRoute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPlaces(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmArrival(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SkipArrival(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetPlace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetForeground(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportPermissionDenied(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitReplay(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReplayJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReplayJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TravelModeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TravelModeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(TravelModeServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the travel mode service for grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TravelModeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartSession", TravelModeServer.StartSession),
		unary("PushSample", TravelModeServer.PushSample),
		unary("SetRoute", TravelModeServer.SetRoute),
		unary("SetPlaces", TravelModeServer.SetPlaces),
		unary("ConfirmArrival", TravelModeServer.ConfirmArrival),
		unary("SkipArrival", TravelModeServer.SkipArrival),
		unary("ResetPlace", TravelModeServer.ResetPlace),
		unary("SetForeground", TravelModeServer.SetForeground),
		unary("SetActive", TravelModeServer.SetActive),
		unary("GetStatus", TravelModeServer.GetStatus),
		unary("GetSnapshot", TravelModeServer.GetSnapshot),
		unary("StopSession", TravelModeServer.StopSession),
		unary("ReportPermissionDenied", TravelModeServer.ReportPermissionDenied),
		unary("SubmitReplay", TravelModeServer.SubmitReplay),
		unary("GetReplayJob", TravelModeServer.GetReplayJob),
		unary("ListReplayJobs", TravelModeServer.ListReplayJobs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "travelmode/v1/travelmode.proto",
}

// RegisterTravelModeServer registers srv on s
func RegisterTravelModeServer(s grpc.ServiceRegistrar, srv TravelModeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the travel mode service over a connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with a request built from fields
func (c *Client) Call(ctx context.Context, method string, fields map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
