// Package passportv1 describes the passport.v1 gRPC services. Messages travel
// as JSON under the "json" content subtype, so no generated code is involved.
package passportv1

import (
	"context"

	"google.golang.org/grpc"

	"provenance.org/internal/verify"
)

const (
	VerificationServiceName = "passport.v1.VerificationService"
	VerifyMethod            = "/" + VerificationServiceName + "/Verify"
)

// VerifyRequest asks about one token.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse carries the public verification result.
type VerifyResponse struct {
	Result verify.Result `json:"result"`
}

// VerificationServer is implemented by the service side.
type VerificationServer interface {
	Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error)
}

// RegisterVerificationServer attaches srv to s.
func RegisterVerificationServer(s grpc.ServiceRegistrar, srv VerificationServer) {
	s.RegisterService(&VerificationServiceDesc, srv)
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VerifyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerificationServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerificationServer).Verify(ctx, req.(*VerifyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// VerificationServiceDesc is the grpc.ServiceDesc for VerificationService.
var VerificationServiceDesc = grpc.ServiceDesc{
	ServiceName: VerificationServiceName,
	HandlerType: (*VerificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "passport/v1/verification.json",
}

// VerificationClient calls VerificationService.
type VerificationClient struct {
	cc grpc.ClientConnInterface
}

// NewVerificationClient wraps cc.
func NewVerificationClient(cc grpc.ClientConnInterface) *VerificationClient {
	return &VerificationClient{cc: cc}
}

// Verify invokes the remote Verify method.
func (c *VerificationClient) Verify(ctx context.Context, in *VerifyRequest, opts ...grpc.CallOption) (*VerifyResponse, error) {
	out := new(VerifyResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, VerifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
