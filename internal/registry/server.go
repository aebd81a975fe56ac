// Package registry exposes the daemon's fixed set of remote operations to
// client invocations over token-authenticated gRPC on loopback TCP.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/event"
	"github.com/vaultmenu/vaultmenu/internal/state"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrAddrInUse is returned by Start when the ledger port is already bound.
var ErrAddrInUse = errors.New("registry: address already in use")

// maxAwait caps the timeout a client may request for AwaitShowResult.
const maxAwait = 10 * time.Minute

// Signaler raises the daemon's named signals.
type Signaler interface {
	Signal(event.Name)
}

// StateReader exposes read-only snapshots of the shared state.
type StateReader interface {
	Snapshot() state.Snapshot
}

// Options groups the dependencies of a registry server.
type Options struct {
	Port    uint16
	Key     string
	Signals Signaler
	Channel *channel.Channel
	State   StateReader
}

// Server is the registry gRPC endpoint. It implements runtime.Service.
type Server struct {
	opts Options

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	errCh      chan error
	wg         sync.WaitGroup
}

// NewServer constructs a registry server. Start binds the listener.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Start binds 127.0.0.1:Port and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("registry: already started")
	}
	if s.opts.Key == "" {
		return fmt.Errorf("registry: auth key is required")
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(s.opts.Port)))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return fmt.Errorf("registry: listen %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryAuthInterceptor),
		grpc.ChainStreamInterceptor(s.streamAuthInterceptor),
	)
	grpcServer.RegisterService(&serviceDesc, &handler{opts: s.opts})

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s.listener = lis
	s.grpcServer = grpcServer
	s.health = healthServer
	s.errCh = make(chan error, 1)

	s.wg.Add(1)
	go s.serve(ctx, grpcServer, lis)

	log.Printf("[Registry] listening on %s", lis.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serve(ctx context.Context, grpcServer *grpc.Server, lis net.Listener) {
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		stopGracefully(grpcServer)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		s.pushError(err)
	}
}

func (s *Server) pushError(err error) {
	s.mu.Lock()
	ch := s.errCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown marks the health service as not serving and stops the listener,
// waiting up to five seconds for in-flight calls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	grpcServer := s.grpcServer
	healthServer := s.health
	s.grpcServer = nil
	s.health = nil
	s.listener = nil
	s.mu.Unlock()

	if grpcServer == nil {
		return nil
	}
	if healthServer != nil {
		healthServer.Shutdown()
	}
	stopGracefully(grpcServer)
	s.wg.Wait()
	return nil
}

// Errors exposes fatal serve errors.
func (s *Server) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return s.errCh
}

func stopGracefully(grpcServer *grpc.Server) {
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		grpcServer.Stop()
	}
}

func (s *Server) authorized(ctx context.Context) bool {
	token := tokenFromMetadata(ctx)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Key)) == 1
}

func (s *Server) unaryAuthInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !s.authorized(ctx) {
		log.Printf("[Registry] rejected unauthenticated call to %s", info.FullMethod)
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return handler(ctx, req)
}

func (s *Server) streamAuthInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if !s.authorized(ss.Context()) {
		log.Printf("[Registry] rejected unauthenticated stream %s", info.FullMethod)
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return handler(srv, ss)
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get("authorization"); len(values) > 0 {
		return parseBearer(values[0])
	}
	return ""
}

func parseBearer(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// handler implements registryServer on top of the daemon's signals, result
// channel and shared state.
type handler struct {
	opts Options
}

func (h *handler) SignalGo(ctx context.Context, _ *Empty) (*Empty, error) {
	h.opts.Signals.Signal(event.Go)
	return &Empty{}, nil
}

func (h *handler) SignalArgsPending(ctx context.Context, _ *Empty) (*Empty, error) {
	h.opts.Signals.Signal(event.ArgsPending)
	return &Empty{}, nil
}

func (h *handler) SignalOtpMode(ctx context.Context, _ *Empty) (*Empty, error) {
	h.opts.Signals.Signal(event.OTPMode)
	return &Empty{}, nil
}

func (h *handler) CurrentDatabasePath(ctx context.Context, _ *Empty) (*PathReply, error) {
	return &PathReply{Path: h.opts.State.Snapshot().Current}, nil
}

func (h *handler) OpenDatabasePaths(ctx context.Context, _ *Empty) (*PathsReply, error) {
	return &PathsReply{Paths: h.opts.State.Snapshot().Open}, nil
}

func (h *handler) ConfigPasswordablePaths(ctx context.Context, _ *Empty) (*PathsReply, error) {
	return &PathsReply{Paths: h.opts.State.Snapshot().Passwordable}, nil
}

func (h *handler) AwaitShowResult(ctx context.Context, req *AwaitRequest) (*AwaitReply, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		return nil, status.Error(codes.InvalidArgument, "timeout_seconds must be positive")
	}
	if timeout > maxAwait {
		timeout = maxAwait
	}
	res, err := h.opts.Channel.Await(ctx, timeout)
	switch {
	case err == nil:
		return &AwaitReply{Present: true, Text: res.Text}, nil
	case errors.Is(err, channel.ErrTimeout):
		return &AwaitReply{Present: false}, nil
	default:
		return nil, status.FromContextError(err).Err()
	}
}

// AcquireChannel leases the inbound side of the result channel for the
// lifetime of the stream. The client sends at most one bundle and then
// closes its side.
func (h *handler) AcquireChannel(stream grpc.ServerStream) error {
	lease := h.opts.Channel.Acquire()
	receipt := &ChannelReceipt{Lease: lease.ID}

	for {
		var bundle channel.ArgBundle
		err := stream.RecvMsg(&bundle)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if receipt.Accepted {
			return status.Error(codes.FailedPrecondition, channel.ErrHandleUsed.Error())
		}
		if err := lease.Push(bundle); err != nil {
			if errors.Is(err, channel.ErrBusy) {
				log.Printf("[Registry] lease %s rejected: bundle already pending", lease.ID)
				return status.Error(codes.ResourceExhausted, err.Error())
			}
			return status.Error(codes.Internal, err.Error())
		}
		log.Printf("[Registry] lease %s pushed %s", lease.ID, bundle)
		receipt.Accepted = true
	}

	return stream.SendMsg(receipt)
}
