package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// DefaultTCPPorts are tried in order when TCPProber.Ports is empty.
var DefaultTCPPorts = []int{22, 80, 443, 161}

// TCPProber connects to a list of ports. Any answer, including a refused
// connection, proves the host is up.
type TCPProber struct {
	Timeout time.Duration
	Ports   []int
}

func (p *TCPProber) Probe(ctx context.Context, addr string) (Result, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targets := p.targets(addr)
	dialer := &net.Dialer{}
	for _, target := range targets {
		start := time.Now()
		conn, err := dialer.DialContext(dctx, "tcp", target)
		if err == nil {
			conn.Close()
			return Result{Reachable: true, RTT: time.Since(start)}, nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return Result{Reachable: true, RTT: time.Since(start)}, nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return Result{}, fmt.Errorf("resolve %s: %w", addr, err)
		}
		if dctx.Err() != nil {
			return noAnswer(dctx)
		}
	}
	return Result{}, nil
}

// targets keeps an explicit host:port as is, otherwise pairs the host with
// every configured port.
func (p *TCPProber) targets(addr string) []string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return []string{addr}
	}
	ports := p.Ports
	if len(ports) == 0 {
		ports = DefaultTCPPorts
	}
	out := make([]string, 0, len(ports))
	for _, port := range ports {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(port)))
	}
	return out
}
