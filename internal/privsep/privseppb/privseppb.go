// Package privseppb is the generated-style gRPC stub for the privsep
// port-binder service (spec.md §6: "a pre-opened file descriptor
// through which the engine asks a privileged helper to bind
// low-numbered ports"). It is hand-written rather than protoc-generated
// because the wire messages are exactly the well-known wrapper types
// (google.golang.org/protobuf/types/known/wrapperspb) already vendored
// by the module's own protobuf dependency — no new .proto compilation
// step is needed for a two-field, one-method service.
package privseppb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "privsep.PortBinder"
	bindMethod  = "/privsep.PortBinder/Bind"
)

// PortBinderClient is the client-side stub: Bind asks the helper to
// bind addr and returns the bound file descriptor number.
type PortBinderClient interface {
	Bind(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error)
}

type portBinderClient struct {
	cc grpc.ClientConnInterface
}

// NewPortBinderClient wraps an established connection as a PortBinderClient.
func NewPortBinderClient(cc grpc.ClientConnInterface) PortBinderClient {
	return &portBinderClient{cc: cc}
}

func (c *portBinderClient) Bind(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.Int32Value, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.cc.Invoke(ctx, bindMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PortBinderServer is the interface the privileged helper process
// implements. Its implementation — the actual privileged bind(2) call
// and fd hand-back — is outside core scope per spec.md §1; only the
// interface is specified here.
type PortBinderServer interface {
	Bind(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int32Value, error)
}

// PortBinder_ServiceDesc is the gRPC service descriptor, equivalent to
// what protoc-gen-go-grpc would emit for a one-RPC service.
var PortBinder_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PortBinderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Bind",
			Handler:    bindHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "privsep.proto",
}

func bindHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PortBinderServer).Bind(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: bindMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PortBinderServer).Bind(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterPortBinderServer registers srv as the handler for the
// PortBinder service on s.
func RegisterPortBinderServer(s grpc.ServiceRegistrar, srv PortBinderServer) {
	s.RegisterService(&PortBinder_ServiceDesc, srv)
}
