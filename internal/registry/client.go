package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// passthroughPrefix bypasses gRPC DNS resolution for the loopback address.
const passthroughPrefix = "passthrough:///"

const minConnectTimeout = 2 * time.Second

// Client calls the registry of a running daemon.
type Client struct {
	conn     *grpc.ClientConn
	token    string
	callOpts []grpc.CallOption
}

// Dial prepares a client for the daemon at addr. The connection is
// established lazily by the first call.
func Dial(addr, key string) (*Client, error) {
	conn, err := grpc.NewClient(passthroughPrefix+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: minConnectTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: connect %s: %w", addr, err)
	}
	return &Client{
		conn:     conn,
		token:    key,
		callOpts: []grpc.CallOption{grpc.CallContentSubtype(codecName)},
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// withToken appends the ledger key to outgoing gRPC metadata.
func (c *Client) withToken(ctx context.Context) context.Context {
	token := strings.TrimSpace(c.token)
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	return c.conn.Invoke(c.withToken(ctx), fullMethod(method), req, reply, c.callOpts...)
}

// SignalGo asks the daemon to service a cycle.
func (c *Client) SignalGo(ctx context.Context) error {
	return c.invoke(ctx, methodSignalGo, &Empty{}, &Empty{})
}

// SignalArgsPending tells the daemon a bundle is waiting on the channel.
func (c *Client) SignalArgsPending(ctx context.Context) error {
	return c.invoke(ctx, methodSignalArgsPending, &Empty{}, &Empty{})
}

// SignalOtpMode requests a one-time-password cycle.
func (c *Client) SignalOtpMode(ctx context.Context) error {
	return c.invoke(ctx, methodSignalOTPMode, &Empty{}, &Empty{})
}

// CurrentDatabasePath returns the daemon's active database, or "".
func (c *Client) CurrentDatabasePath(ctx context.Context) (string, error) {
	var reply PathReply
	if err := c.invoke(ctx, methodCurrentDatabasePath, &Empty{}, &reply); err != nil {
		return "", err
	}
	return reply.Path, nil
}

// OpenDatabasePaths lists the databases the daemon holds unlocked.
func (c *Client) OpenDatabasePaths(ctx context.Context) ([]string, error) {
	var reply PathsReply
	if err := c.invoke(ctx, methodOpenDatabasePaths, &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Paths, nil
}

// ConfigPasswordablePaths lists databases whose password comes from config.
func (c *Client) ConfigPasswordablePaths(ctx context.Context) ([]string, error) {
	var reply PathsReply
	if err := c.invoke(ctx, methodConfigPasswordablePaths, &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Paths, nil
}

// AwaitShowResult blocks up to timeout for the reply to a show query. The
// boolean is false when no result arrived in time.
func (c *Client) AwaitShowResult(ctx context.Context, timeout time.Duration) (channel.ShowResult, bool, error) {
	secs := int((timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	var reply AwaitReply
	if err := c.invoke(ctx, methodAwaitShowResult, &AwaitRequest{TimeoutSeconds: secs}, &reply); err != nil {
		return channel.ShowResult{}, false, err
	}
	if !reply.Present {
		return channel.ShowResult{}, false, nil
	}
	return channel.ShowResult{Text: reply.Text}, true, nil
}

// AcquireChannel leases the daemon's inbound channel and, when bundle is
// non-nil, pushes it. A bundle rejected because another is pending yields
// an error satisfying errors.Is(err, channel.ErrBusy).
func (c *Client) AcquireChannel(ctx context.Context, bundle *channel.ArgBundle) (ChannelReceipt, error) {
	ctx, cancel := context.WithCancel(c.withToken(ctx))
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(methodAcquireChannel), c.callOpts...)
	if err != nil {
		return ChannelReceipt{}, err
	}
	if bundle != nil {
		if err := stream.SendMsg(bundle); err != nil && !errors.Is(err, io.EOF) {
			return ChannelReceipt{}, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return ChannelReceipt{}, err
	}
	var receipt ChannelReceipt
	if err := stream.RecvMsg(&receipt); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return ChannelReceipt{}, fmt.Errorf("%w: %s", channel.ErrBusy, status.Convert(err).Message())
		}
		return ChannelReceipt{}, err
	}
	return receipt, nil
}

// Health runs the standard gRPC health check against the registry service.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(c.withToken(ctx), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("registry: health status %s", resp.GetStatus())
	}
	return nil
}

// IsConnectionRefused reports whether err means nothing is listening on the
// registry port.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
		return strings.Contains(s.Message(), "connection refused")
	}
	return false
}
