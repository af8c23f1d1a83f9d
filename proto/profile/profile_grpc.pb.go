package profile

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ProfileService_UploadProfile_FullMethodName = "/profile.ProfileService/UploadProfile"
)

// ProfileServiceClient is the client API for ProfileService.
type ProfileServiceClient interface {
	UploadProfile(ctx context.Context, in *ProfileBatch, opts ...grpc.CallOption) (*UploadAck, error)
}

type profileServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewProfileServiceClient returns a client backed by cc.
func NewProfileServiceClient(cc grpc.ClientConnInterface) ProfileServiceClient {
	return &profileServiceClient{cc}
}

func (c *profileServiceClient) UploadProfile(ctx context.Context, in *ProfileBatch, opts ...grpc.CallOption) (*UploadAck, error) {
	out := new(UploadAck)
	err := c.cc.Invoke(ctx, ProfileService_UploadProfile_FullMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProfileServiceServer is the server API for ProfileService.
type ProfileServiceServer interface {
	UploadProfile(context.Context, *ProfileBatch) (*UploadAck, error)
}

// UnimplementedProfileServiceServer embeds into a server implementation to
// get forward-compatible behavior for methods added after this interface was
// generated.
type UnimplementedProfileServiceServer struct{}

func (UnimplementedProfileServiceServer) UploadProfile(context.Context, *ProfileBatch) (*UploadAck, error) {
	return nil, status.Error(codes.Unimplemented, "method UploadProfile not implemented")
}

// RegisterProfileServiceServer registers srv on s.
func RegisterProfileServiceServer(s grpc.ServiceRegistrar, srv ProfileServiceServer) {
	s.RegisterService(&ProfileService_ServiceDesc, srv)
}

func _ProfileService_UploadProfile_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProfileBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProfileServiceServer).UploadProfile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ProfileService_UploadProfile_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProfileServiceServer).UploadProfile(ctx, req.(*ProfileBatch))
	}
	return interceptor(ctx, in, info, handler)
}

// ProfileService_ServiceDesc is the grpc.ServiceDesc for ProfileService.
var ProfileService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "profile.ProfileService",
	HandlerType: (*ProfileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "UploadProfile",
			Handler:    _ProfileService_UploadProfile_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "profile.proto",
}
