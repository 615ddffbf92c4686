// Package probe implements active reachability checks against a device
// address. A returned error means the check could not be carried out and no
// verdict should be drawn; a nil error with Reachable=false means the device
// did not answer within the timeout.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Methods
const (
	MethodICMP = "icmp"
	MethodTCP  = "tcp"
	MethodSNMP = "snmp"
)

// Result of a single probe.
type Result struct {
	Reachable bool
	RTT       time.Duration // zero when unreachable
}

// Prober checks whether an address answers.
type Prober interface {
	Probe(ctx context.Context, addr string) (Result, error)
}

// Func adapts a plain function to Prober.
type Func func(ctx context.Context, addr string) (Result, error)

func (f Func) Probe(ctx context.Context, addr string) (Result, error) {
	return f(ctx, addr)
}

// Config selects and tunes a probe method.
type Config struct {
	Method         string
	Timeout        time.Duration
	ICMPPrivileged bool
	TCPPorts       []int
	SNMPCommunity  string
	SNMPPort       uint16
}

// DefaultTimeout bounds one probe when Config.Timeout is unset.
const DefaultTimeout = 2 * time.Second

// New builds the prober named by cfg.Method.
func New(cfg Config) (Prober, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch strings.ToLower(cfg.Method) {
	case "", MethodICMP:
		return &ICMPProber{Timeout: cfg.Timeout, Privileged: cfg.ICMPPrivileged}, nil
	case MethodTCP:
		return &TCPProber{Timeout: cfg.Timeout, Ports: cfg.TCPPorts}, nil
	case MethodSNMP:
		return &SNMPProber{Timeout: cfg.Timeout, Community: cfg.SNMPCommunity, Port: cfg.SNMPPort}, nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", cfg.Method)
	}
}

// noAnswer is the outcome once ctx is done. Running out of time means the
// host stayed silent; cancellation means the caller gave up and there is no
// verdict.
func noAnswer(ctx context.Context) (Result, error) {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return Result{}, err
	}
	return Result{}, nil
}
