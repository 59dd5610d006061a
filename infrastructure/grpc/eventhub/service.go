package eventhub

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "chitchat.eventhub.EventHub"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

type ConnectServer = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

type ConnectClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

// EventHubServer is implemented by the hub.
type EventHubServer interface {
	Connect(stream ConnectServer) error
}

// ServiceDesc is registered with grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventHubServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "eventhub",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventHubServer).Connect(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func RegisterEventHubServer(s grpc.ServiceRegistrar, srv EventHubServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Connect opens the event stream on cc.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ConnectClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
