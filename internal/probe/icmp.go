package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ping/ping"
)

// ICMPProber sends a short burst of echo requests. Unprivileged mode uses
// UDP ICMP sockets, which on Linux needs net.ipv4.ping_group_range to cover
// the process group.
type ICMPProber struct {
	Timeout    time.Duration
	Privileged bool
	Count      int // echo requests per probe, default 2
}

func (p *ICMPProber) Probe(ctx context.Context, addr string) (Result, error) {
	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pinger.Count = p.Count
	if pinger.Count <= 0 {
		pinger.Count = 2
	}
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = DefaultTimeout
	}
	pinger.Interval = pinger.Timeout / time.Duration(pinger.Count+1)
	pinger.SetPrivileged(p.Privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return Result{}, fmt.Errorf("ping %s: %w", addr, err)
	}
	// A deadline stops the pinger early; replies already counted still decide.
	if _, err := noAnswer(ctx); err != nil {
		return Result{}, err
	}
	return icmpVerdict(pinger.Statistics()), nil
}

// icmpVerdict treats any echo reply as reachable.
func icmpVerdict(stats *ping.Statistics) Result {
	if stats == nil || stats.PacketsRecv == 0 {
		return Result{}
	}
	return Result{Reachable: true, RTT: stats.AvgRtt}
}
