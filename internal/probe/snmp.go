package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// oidSysUpTime is SNMPv2-MIB::sysUpTime.0.
const oidSysUpTime = ".1.3.6.1.2.1.1.3.0"

// SNMPProber issues a v2c GET for sysUpTime. Devices that filter ICMP often
// still answer SNMP on the management network.
type SNMPProber struct {
	Timeout   time.Duration
	Community string
	Port      uint16
}

func (p *SNMPProber) Probe(ctx context.Context, addr string) (Result, error) {
	client := &gosnmp.GoSNMP{
		Target:    addr,
		Port:      p.Port,
		Community: p.Community,
		Version:   gosnmp.Version2c,
		Timeout:   p.Timeout,
		Retries:   0,
		Context:   ctx,
	}
	if client.Port == 0 {
		client.Port = 161
	}
	if client.Community == "" {
		client.Community = "public"
	}
	if client.Timeout <= 0 {
		client.Timeout = DefaultTimeout
	}

	if err := client.Connect(); err != nil {
		return Result{}, fmt.Errorf("snmp connect %s: %w", addr, err)
	}
	defer client.Conn.Close()

	start := time.Now()
	res, err := client.Get([]string{oidSysUpTime})
	if err != nil {
		if ctx.Err() != nil {
			return noAnswer(ctx)
		}
		// request timeout: nobody answered
		return Result{}, nil
	}
	if res == nil || len(res.Variables) == 0 {
		return Result{}, nil
	}
	return Result{Reachable: true, RTT: time.Since(start)}, nil
}
