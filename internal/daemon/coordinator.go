package daemon

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/event"
)

// Phase is the coordinator's position in its loop. Transitions are made with
// compare-and-swap so the idle timer and the loop never act on a stale view.
type Phase int32

const (
	PhaseWaiting Phase = iota
	PhaseBusy
	PhaseRetiring
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseBusy:
		return "busy"
	case PhaseRetiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// Handler performs the request-handling work of one serviced cycle.
type Handler interface {
	// ApplyArgs opens or switches database and merges per-invocation
	// overrides. A non-nil error ends the cycle.
	ApplyArgs(ctx context.Context, b channel.ArgBundle) error
	// Show answers a non-interactive show query.
	Show(ctx context.Context, b channel.ArgBundle) channel.ShowResult
	// MenuCycle runs one full interactive cycle.
	MenuCycle(ctx context.Context) (retire bool)
	// OTPCycle runs the restricted one-time-password cycle.
	OTPCycle(ctx context.Context) (retire bool)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Flags   *event.Set
	Channel *channel.Channel
	Handler Handler
	Idle    time.Duration
}

// Coordinator is the daemon's main loop. It blocks only while waiting for
// the go signal.
type Coordinator struct {
	flags   *event.Set
	ch      *channel.Channel
	handler Handler
	idle    *IdleTimer

	phase  atomic.Int32
	cycles atomic.Int64
}

// NewCoordinator builds a coordinator in the waiting phase.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	flags := opts.Flags
	if flags == nil {
		flags = event.NewSet()
	}
	ch := opts.Channel
	if ch == nil {
		ch = channel.New()
	}
	c := &Coordinator{
		flags:   flags,
		ch:      ch,
		handler: opts.Handler,
	}
	c.idle = NewIdleTimer(opts.Idle, c.idleExpired)
	return c
}

// Signal raises a named signal. Clients reach it through the registry.
func (c *Coordinator) Signal(name event.Name) {
	c.flags.Get(name).Set()
}

// Phase returns the current loop phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Cycles returns the number of serviced cycles.
func (c *Coordinator) Cycles() int64 {
	return c.cycles.Load()
}

// SetIdle changes the inactivity window from the next arming on.
func (c *Coordinator) SetIdle(d time.Duration) {
	c.idle.SetDuration(d)
}

// Retire asks the loop to exit after the current cycle, or immediately if
// it is waiting.
func (c *Coordinator) Retire() {
	c.flags.Get(event.Retire).Set()
	c.flags.Get(event.Go).Set()
}

// Run services cycles until retirement or ctx is done. It returns nil on
// retirement.
func (c *Coordinator) Run(ctx context.Context) error {
	goFlag := c.flags.Get(event.Go)
	retire := c.flags.Get(event.Retire)

	c.idle.Arm()
	defer c.idle.Stop()

	for {
		if err := goFlag.Wait(ctx); err != nil {
			c.phase.Store(int32(PhaseRetiring))
			return err
		}
		// A go raised after this point belongs to the next cycle.
		if !goFlag.Consume() {
			continue
		}

		if retire.IsSet() || !c.phase.CompareAndSwap(int32(PhaseWaiting), int32(PhaseBusy)) {
			c.phase.Store(int32(PhaseRetiring))
			log.Printf("[Coordinator] retiring on wake (idle=%t)", c.flags.Get(event.IdleExpired).IsSet())
			return nil
		}

		c.idle.Arm()
		if c.service(ctx) {
			retire.Set()
		}
		c.cycles.Add(1)

		if c.flags.Get(event.IdleExpired).IsSet() {
			retire.Set()
		}
		if retire.IsSet() || !c.phase.CompareAndSwap(int32(PhaseBusy), int32(PhaseWaiting)) {
			c.phase.Store(int32(PhaseRetiring))
			log.Printf("[Coordinator] retiring after cycle %d", c.cycles.Load())
			return nil
		}
	}
}

// service runs one cycle and reports whether the daemon should retire.
func (c *Coordinator) service(ctx context.Context) bool {
	otp := c.flags.Get(event.OTPMode)

	if c.flags.Get(event.ArgsPending).Consume() {
		bundle, lease, ok := c.ch.Drain()
		if ok {
			log.Printf("[Coordinator] servicing %s from lease %s", bundle, lease)
			return c.serviceArgs(ctx, bundle, otp.Consume())
		}
		log.Printf("[Coordinator] args-pending raised without a bundle")
	}

	if otp.Consume() {
		return c.handler.OTPCycle(ctx)
	}
	return c.handler.MenuCycle(ctx)
}

func (c *Coordinator) serviceArgs(ctx context.Context, bundle channel.ArgBundle, otp bool) bool {
	if bundle.Kill {
		log.Printf("[Coordinator] kill requested")
		return true
	}
	if bundle.Show != "" {
		c.ch.Reply(c.handler.Show(ctx, bundle))
		return false
	}
	if err := c.handler.ApplyArgs(ctx, bundle); err != nil {
		log.Printf("[Coordinator] apply args: %v", err)
		return false
	}
	if otp || bundle.TOTP {
		return c.handler.OTPCycle(ctx)
	}
	return c.handler.MenuCycle(ctx)
}

// idleExpired is the idle timer callback. The window has elapsed, so the
// daemon retires: immediately when waiting, after the cycle otherwise.
func (c *Coordinator) idleExpired() {
	c.flags.Get(event.IdleExpired).Set()
	c.flags.Get(event.Retire).Set()
	c.flags.Get(event.ArgsPending).Clear()

	if c.phase.CompareAndSwap(int32(PhaseWaiting), int32(PhaseRetiring)) {
		log.Printf("[Coordinator] idle window elapsed while waiting")
		c.flags.Get(event.Go).Set()
		return
	}
	if c.phase.CompareAndSwap(int32(PhaseBusy), int32(PhaseRetiring)) {
		log.Printf("[Coordinator] idle window elapsed mid-cycle")
	}
}
