package registry

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of the registry.
const ServiceName = "vaultmenu.registry.v1.Registry"

const (
	methodSignalGo                = "SignalGo"
	methodAcquireChannel          = "AcquireChannel"
	methodSignalArgsPending       = "SignalArgsPending"
	methodSignalOTPMode           = "SignalOtpMode"
	methodCurrentDatabasePath     = "CurrentDatabasePath"
	methodOpenDatabasePaths       = "OpenDatabasePaths"
	methodConfigPasswordablePaths = "ConfigPasswordablePaths"
	methodAwaitShowResult         = "AwaitShowResult"
)

// Empty is the request and reply of argument-free operations.
type Empty struct{}

// PathReply carries a single database path; empty means none.
type PathReply struct {
	Path string `cbor:"path"`
}

// PathsReply carries a list of database paths.
type PathsReply struct {
	Paths []string `cbor:"paths"`
}

// AwaitRequest bounds the wait for a show result.
type AwaitRequest struct {
	TimeoutSeconds int `cbor:"timeout_seconds"`
}

// AwaitReply is a show result, or Present=false when none arrived in time.
type AwaitReply struct {
	Present bool   `cbor:"present"`
	Text    string `cbor:"text,omitempty"`
}

// ChannelReceipt acknowledges an AcquireChannel stream.
type ChannelReceipt struct {
	Lease    string `cbor:"lease"`
	Accepted bool   `cbor:"accepted"`
}

// registryServer is the handler set behind the service descriptor.
type registryServer interface {
	SignalGo(context.Context, *Empty) (*Empty, error)
	AcquireChannel(grpc.ServerStream) error
	SignalArgsPending(context.Context, *Empty) (*Empty, error)
	SignalOtpMode(context.Context, *Empty) (*Empty, error)
	CurrentDatabasePath(context.Context, *Empty) (*PathReply, error)
	OpenDatabasePaths(context.Context, *Empty) (*PathsReply, error)
	ConfigPasswordablePaths(context.Context, *Empty) (*PathsReply, error)
	AwaitShowResult(context.Context, *AwaitRequest) (*AwaitReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*registryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodSignalGo, registryServer.SignalGo),
		unary(methodSignalArgsPending, registryServer.SignalArgsPending),
		unary(methodSignalOTPMode, registryServer.SignalOtpMode),
		unary(methodCurrentDatabasePath, registryServer.CurrentDatabasePath),
		unary(methodOpenDatabasePaths, registryServer.OpenDatabasePaths),
		unary(methodConfigPasswordablePaths, registryServer.ConfigPasswordablePaths),
		unary(methodAwaitShowResult, registryServer.AwaitShowResult),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodAcquireChannel,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(registryServer).AcquireChannel(stream)
			},
		},
	},
	Metadata: "vaultmenu/registry.cbor",
}

func unary[Req, Resp any](method string, fn func(registryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(registryServer)
			if interceptor == nil {
				return fn(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(impl, ctx, req.(*Req))
			})
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}
