// Package notification defines the gRPC notification ingress of the live-sync
// service. Requests and responses are google.protobuf.Struct values shaped
// like the HTTP notification bodies, so no generated stubs are needed.
package notification

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "livesync.v1.NotificationService"
	// NotifyMethod is the full method path of Notify.
	NotifyMethod = "/" + ServiceName + "/Notify"

	// FieldCampaignID carries the target campaign in a Notify request.
	FieldCampaignID = "campaign_id"
	// FieldNotification carries the notification body in a Notify request.
	FieldNotification = "notification"
)

// Server handles notification calls from write-path services.
type Server interface {
	Notify(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer registers srv on the gRPC service registrar.
func RegisterServer(registrar grpc.ServiceRegistrar, srv Server) {
	registrar.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Notify",
			Handler:    notifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "livesync/v1/notification.proto",
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: NotifyMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Notify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the notification service over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a gRPC connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Notify sends one notification.
func (c *Client) Notify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NotifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
