package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"netwatch/internal/probe"
	"netwatch/internal/store"
)

// fakePinger answers from a fixed table and counts calls per address.
type fakePinger struct {
	mu      sync.Mutex
	calls   map[string]int
	replies map[string]bool
	errs    map[string]error
	block   chan struct{} // when set, probes wait on it
	entered chan struct{}
}

func newFakePinger() *fakePinger {
	return &fakePinger{
		calls:   make(map[string]int),
		replies: make(map[string]bool),
		errs:    make(map[string]error),
	}
}

func (f *fakePinger) Probe(ctx context.Context, addr string) (probe.Result, error) {
	f.mu.Lock()
	f.calls[addr]++
	reachable, err := f.replies[addr], f.errs[addr]
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if addr == "panic" {
		panic("raw socket exploded")
	}
	if err != nil {
		return probe.Result{}, err
	}
	if !reachable {
		return probe.Result{}, nil
	}
	return probe.Result{Reachable: true, RTT: 3 * time.Millisecond}, nil
}

func (f *fakePinger) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

type staticSim bool

func (s staticSim) Simulation() (bool, error) { return bool(s), nil }

func newTestProber(env *testEnv, pinger probe.Prober) *Prober {
	return NewProber(env.engine, pinger, staticSim(false), ProberConfig{
		Interval:        time.Second,
		FreshnessWindow: 10 * time.Minute,
		Timeout:         time.Second,
		Concurrency:     4,
	}, newTestLogger())
}

func TestProberCycleAppliesVerdicts(t *testing.T) {
	env := newTestEnv(t)
	up := env.addDevice(t, "up", "10.2.0.1")
	down := env.addDevice(t, "down", "10.2.0.2")

	pinger := newFakePinger()
	pinger.replies["10.2.0.1"] = true
	p := newTestProber(env, pinger)

	stats := p.RunCycle(context.Background(), false)
	if stats.Devices != 2 || stats.Probed != 2 || stats.Online != 1 || stats.Offline != 1 || stats.Changed != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if got := env.device(t, up.ID); got.Status != store.StatusOnline || got.LatencyMS != 0 {
		t.Errorf("up = %+v", got)
	}
	got := env.device(t, down.ID)
	if got.Status != store.StatusOffline || got.DowntimeStart == nil {
		t.Errorf("down = %+v", got)
	}
	if got.LastSeen != nil {
		t.Error("probe verdicts must not touch last_seen")
	}

	// second cycle changes nothing and stays quiet
	stats = p.RunCycle(context.Background(), false)
	if stats.Changed != 0 {
		t.Errorf("second cycle changed %d", stats.Changed)
	}
	if n := len(env.logs(t, down.ID)); n != 1 {
		t.Errorf("logs = %d, want 1", n)
	}
	if n := len(env.events()); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestProberStalenessGuard(t *testing.T) {
	env := newTestEnv(t)
	fresh := env.addDevice(t, "agent-reported", "10.2.0.3")
	stale := env.addDevice(t, "probe-only", "10.2.0.4")

	now := time.Now().UTC()
	r := NewReconciler(env.engine, newTestLogger())
	r.now = func() time.Time { return now.Add(-time.Minute) }
	if _, err := r.IngestJSON([]byte(`[{"address":"10.2.0.3","status":"online","latency":4}]`)); err != nil {
		t.Fatal(err)
	}

	pinger := newFakePinger()
	p := newTestProber(env, pinger)
	p.now = func() time.Time { return now }

	stats := p.RunCycle(context.Background(), false)
	if pinger.callCount("10.2.0.3") != 0 {
		t.Error("fresh device was probed")
	}
	if pinger.callCount("10.2.0.4") != 1 {
		t.Errorf("stale device probed %d times, want 1", pinger.callCount("10.2.0.4"))
	}
	if stats.Fresh != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := env.device(t, fresh.ID); got.Status != store.StatusOnline || got.LatencyMS != 4 {
		t.Errorf("agent data clobbered: %+v", got)
	}
	if got := env.device(t, stale.ID); got.Status != store.StatusOffline {
		t.Errorf("stale device status = %q, want offline", got.Status)
	}

	// once the window passes the prober takes over again
	p.now = func() time.Time { return now.Add(10 * time.Minute) }
	p.RunCycle(context.Background(), false)
	if pinger.callCount("10.2.0.3") != 1 {
		t.Errorf("expired device probed %d times, want 1", pinger.callCount("10.2.0.3"))
	}
	if got := env.device(t, fresh.ID); got.Status != store.StatusOffline {
		t.Errorf("status = %q after probe", got.Status)
	}
}

func TestProberSimulation(t *testing.T) {
	env := newTestEnv(t)
	already := env.addDevice(t, "already-up", "10.2.0.5")
	other := env.addDevice(t, "unreachable", "203.0.113.9")
	env.engine.Apply(Observation{DeviceID: already.ID, Status: store.StatusOnline, Source: SourceProber})
	// simulation ignores the freshness window too
	env.engine.Apply(Observation{DeviceID: other.ID, Status: store.StatusOffline, Source: SourceAgent})

	pinger := newFakePinger()
	p := newTestProber(env, pinger)
	logsBefore := len(env.logs(t, already.ID))

	stats := p.RunCycle(context.Background(), true)
	if stats.Simulated != 2 || stats.Probed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if pinger.callCount("10.2.0.5")+pinger.callCount("203.0.113.9") != 0 {
		t.Error("simulation must not probe")
	}
	for _, id := range []uint64{already.ID, other.ID} {
		if got := env.device(t, id); got.Status != store.StatusOnline || got.DowntimeStart != nil {
			t.Errorf("device %d = %+v", id, got)
		}
	}
	if n := len(env.logs(t, already.ID)); n != logsBefore {
		t.Errorf("already-online device logged %d new entries", n-logsBefore)
	}
}

func TestProberErrorIsNoVerdict(t *testing.T) {
	env := newTestEnv(t)
	dev := env.addDevice(t, "dns-broken", "nx.invalid")
	env.engine.Apply(Observation{DeviceID: dev.ID, Status: store.StatusOnline, Source: SourceProber})
	ok := env.addDevice(t, "fine", "10.2.0.6")
	boom := env.addDevice(t, "boom", "panic")

	pinger := newFakePinger()
	pinger.errs["nx.invalid"] = errors.New("no such host")
	pinger.replies["10.2.0.6"] = true
	p := newTestProber(env, pinger)

	stats := p.RunCycle(context.Background(), false)
	if stats.Errors != 2 || stats.Online != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := env.device(t, dev.ID); got.Status != store.StatusOnline {
		t.Errorf("failed probe changed status to %q", got.Status)
	}
	if got := env.device(t, boom.ID); got.Status != store.StatusUnknown {
		t.Errorf("panicking probe changed status to %q", got.Status)
	}
	if got := env.device(t, ok.ID); got.Status != store.StatusOnline {
		t.Errorf("healthy device status = %q", got.Status)
	}
}

func TestProberSilentHostWithinTimeoutIsOffline(t *testing.T) {
	env := newTestEnv(t)
	dev := env.addDevice(t, "silent", "10.2.0.9")
	const timeout = 100 * time.Millisecond

	// Waits out its own timeout the way a real probe does on a silent host.
	silent := probe.Func(func(ctx context.Context, addr string) (probe.Result, error) {
		select {
		case <-time.After(timeout):
			return probe.Result{}, nil
		case <-ctx.Done():
			return probe.Result{}, ctx.Err()
		}
	})
	p := NewProber(env.engine, silent, staticSim(false), ProberConfig{
		Interval:        time.Second,
		FreshnessWindow: time.Minute,
		Timeout:         timeout,
		Concurrency:     1,
	}, newTestLogger())

	stats := p.RunCycle(context.Background(), false)
	if stats.Offline != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if got := env.device(t, dev.ID); got.Status != store.StatusOffline {
		t.Errorf("status = %q, want offline", got.Status)
	}
}

func TestProberSNMPSilentHostGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	dev := env.addDevice(t, "snmp-dead", "127.0.0.1")

	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sink.ReadFrom(buf); err != nil {
				return
			}
		}
	}()

	const timeout = 300 * time.Millisecond
	checker, err := probe.New(probe.Config{
		Method:   probe.MethodSNMP,
		Timeout:  timeout,
		SNMPPort: uint16(sink.LocalAddr().(*net.UDPAddr).Port),
	})
	if err != nil {
		t.Fatal(err)
	}
	p := NewProber(env.engine, checker, staticSim(false), ProberConfig{
		Interval:        time.Second,
		FreshnessWindow: time.Minute,
		Timeout:         timeout,
		Concurrency:     1,
	}, newTestLogger())

	stats := p.RunCycle(context.Background(), false)
	if stats.Offline != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	got := env.device(t, dev.ID)
	if got.Status != store.StatusOffline || got.DowntimeStart == nil {
		t.Errorf("device = %+v", got)
	}
}

func TestProberSkipsOverlappingCycle(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "slow", "10.2.0.7")

	pinger := newFakePinger()
	pinger.block = make(chan struct{})
	pinger.entered = make(chan struct{}, 1)
	p := newTestProber(env, pinger)

	done := make(chan CycleStats)
	go func() { done <- p.RunCycle(context.Background(), false) }()
	<-pinger.entered

	if stats := p.RunCycle(context.Background(), false); !stats.Overlapped {
		t.Errorf("second cycle ran concurrently: %+v", stats)
	}
	close(pinger.block)
	if stats := <-done; stats.Overlapped || stats.Probed != 1 {
		t.Errorf("first cycle = %+v", stats)
	}
	if pinger.callCount("10.2.0.7") != 1 {
		t.Errorf("probed %d times, want 1", pinger.callCount("10.2.0.7"))
	}
}

func TestProberDeviceRemovedMidCycle(t *testing.T) {
	env := newTestEnv(t)
	dev := env.addDevice(t, "leaving", "10.2.0.8")

	pinger := newFakePinger()
	pinger.block = make(chan struct{})
	pinger.entered = make(chan struct{}, 1)
	p := newTestProber(env, pinger)

	done := make(chan CycleStats)
	go func() { done <- p.RunCycle(context.Background(), false) }()
	<-pinger.entered
	if err := env.registry.RemoveDevice(dev.ID); err != nil {
		t.Fatal(err)
	}
	close(pinger.block)

	stats := <-done
	if stats.Offline != 0 || stats.Online != 0 {
		t.Errorf("removed device was counted: %+v", stats)
	}
}

func TestProberStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "ticked", "10.2.0.9")

	pinger := newFakePinger()
	pinger.replies["10.2.0.9"] = true
	p := newTestProber(env, pinger)

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for pinger.callCount("10.2.0.9") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Stop(ctx)

	if pinger.callCount("10.2.0.9") == 0 {
		t.Fatal("scheduled cycle never ran")
	}
	// Stop is idempotent
	p.Stop(ctx)
}

func TestProberConfigDefaults(t *testing.T) {
	env := newTestEnv(t)
	p := NewProber(env.engine, newFakePinger(), staticSim(false), ProberConfig{}, newTestLogger())
	cfg := p.Config()
	if cfg.Interval != 10*time.Second || cfg.FreshnessWindow != 600*time.Second || cfg.Timeout != 2*time.Second || cfg.Concurrency != 32 {
		t.Errorf("defaults = %+v", cfg)
	}
}
