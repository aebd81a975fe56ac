package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Liveness classifies the outcome of probing the ledger port.
type Liveness int

const (
	// Unreachable means nothing is listening: no daemon is running.
	Unreachable Liveness = iota
	// Reachable means a daemon answered the authenticated health check.
	Reachable
	// Faulted means something answered, or failed, in an unexpected way.
	Faulted
)

func (l Liveness) String() string {
	switch l {
	case Unreachable:
		return "unreachable"
	case Reachable:
		return "reachable"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("liveness(%d)", int(l))
	}
}

// ProbeResult is the typed outcome of Probe. Err is set only when Faulted.
type ProbeResult struct {
	State Liveness
	Err   error
}

const (
	probeDialTimeout   = time.Second
	probeHealthTimeout = 3 * time.Second
)

// Probe checks whether a daemon is serving at addr with the given key.
func Probe(ctx context.Context, addr, key string) ProbeResult {
	d := net.Dialer{Timeout: probeDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return ProbeResult{State: Unreachable}
		}
		return ProbeResult{State: Faulted, Err: fmt.Errorf("registry: probe %s: %w", addr, err)}
	}
	_ = conn.Close()

	client, err := Dial(addr, key)
	if err != nil {
		return ProbeResult{State: Faulted, Err: err}
	}
	defer client.Close()

	hctx, cancel := context.WithTimeout(ctx, probeHealthTimeout)
	defer cancel()
	if err := client.Health(hctx); err != nil {
		if IsConnectionRefused(err) {
			return ProbeResult{State: Unreachable}
		}
		return ProbeResult{State: Faulted, Err: fmt.Errorf("registry: health check %s: %w", addr, err)}
	}
	return ProbeResult{State: Reachable}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
