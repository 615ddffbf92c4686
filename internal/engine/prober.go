package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"netwatch/internal/metrics"
	"netwatch/internal/probe"
	"netwatch/internal/store"
)

// Prober defaults.
const (
	DefaultProbeInterval    = 10 * time.Second
	DefaultFreshnessWindow  = 600 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultProbeConcurrency = 32
)

// probeGrace is added to the per-probe deadline.
const probeGrace = 500 * time.Millisecond

// ProberConfig holds prober configuration.
type ProberConfig struct {
	Interval        time.Duration
	FreshnessWindow time.Duration
	Timeout         time.Duration
	Concurrency     int
}

func (c *ProberConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultProbeInterval
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultProbeConcurrency
	}
}

// SimulationSource reads the simulation flag once per cycle.
type SimulationSource interface {
	Simulation() (bool, error)
}

// CycleStats summarizes one probe cycle.
type CycleStats struct {
	Devices   int `json:"devices"`
	Fresh     int `json:"fresh"` // skipped by the freshness window
	Probed    int `json:"probed"`
	Simulated int `json:"simulated"`
	Online    int `json:"online"`
	Offline   int `json:"offline"`
	Errors    int `json:"errors"`
	Changed   int `json:"changed"`
	// Overlapped is set when the cycle did not run because another was in flight.
	Overlapped bool `json:"overlapped,omitempty"`
}

// Prober periodically checks every device that no agent has reported on
// recently and feeds the verdicts through Engine.Apply.
type Prober struct {
	engine  *Engine
	checker probe.Prober
	sim     SimulationSource
	config  ProberConfig
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewProber creates a prober. It does nothing until Start.
func NewProber(eng *Engine, checker probe.Prober, sim SimulationSource, cfg ProberConfig, logger *slog.Logger) *Prober {
	cfg.applyDefaults()
	return &Prober{
		engine:  eng,
		checker: checker,
		sim:     sim,
		config:  cfg,
		logger:  logger.With("component", "prober"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective configuration.
func (p *Prober) Config() ProberConfig {
	return p.config
}

// Start schedules a cycle every Interval. A tick that fires while the
// previous cycle is still running is skipped.
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("prober already started")
	}

	cl := cronLogger{logger: p.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	spec := fmt.Sprintf("@every %s", p.config.Interval)
	if _, err := c.AddFunc(spec, p.tick); err != nil {
		p.cancel()
		return fmt.Errorf("schedule probe cycle: %w", err)
	}
	c.Start()
	p.cron = c
	p.logger.Info("prober started",
		"interval", p.config.Interval,
		"freshness_window", p.config.FreshnessWindow,
		"concurrency", p.config.Concurrency)
	return nil
}

// Stop halts scheduling and waits for an in-flight cycle until ctx expires,
// after which outstanding probes are cancelled. Applied writes are never
// partial, so abandoning a cycle is safe.
func (p *Prober) Stop(ctx context.Context) {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		p.logger.Warn("abandoning in-flight probe cycle")
	}
	cancel()
}

func (p *Prober) tick() {
	simulation, err := p.sim.Simulation()
	if err != nil {
		p.logger.Warn("read simulation flag", "err", err)
		simulation = false
	}
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	stats := p.RunCycle(ctx, simulation)
	p.logger.Debug("probe cycle done",
		"devices", stats.Devices,
		"fresh", stats.Fresh,
		"probed", stats.Probed,
		"errors", stats.Errors,
		"changed", stats.Changed)
}

// RunCycle checks every device once. simulation is a snapshot of the flag
// for the whole cycle. Concurrent calls do not overlap: the loser returns
// immediately with Overlapped set.
func (p *Prober) RunCycle(ctx context.Context, simulation bool) CycleStats {
	if !p.running.CompareAndSwap(false, true) {
		metrics.ProbeCyclesSkipped.Inc()
		return CycleStats{Overlapped: true}
	}
	defer p.running.Store(false)

	start := time.Now()
	defer func() { metrics.ProbeCycleDuration.Observe(time.Since(start).Seconds()) }()

	var stats CycleStats
	devices, err := p.engine.Devices()
	if err != nil {
		p.logger.Error("list devices", "err", err)
		return stats
	}
	stats.Devices = len(devices)

	var mu sync.Mutex
	count := func(fn func(s *CycleStats)) {
		mu.Lock()
		fn(&stats)
		mu.Unlock()
	}

	now := p.now()
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	for _, dev := range devices {
		if !simulation && dev.LastSeen != nil && now.Sub(*dev.LastSeen) < p.config.FreshnessWindow {
			count(func(s *CycleStats) { s.Fresh++ })
			metrics.ProbeResults.WithLabelValues("skipped").Inc()
			continue
		}
		if simulation {
			count(func(s *CycleStats) { s.Simulated++ })
			metrics.ProbeResults.WithLabelValues("simulated").Inc()
			p.apply(dev, store.StatusOnline, count)
			continue
		}

		g.Go(func() error {
			status, ok := p.check(ctx, dev)
			if !ok {
				count(func(s *CycleStats) { s.Probed++; s.Errors++ })
				return nil
			}
			count(func(s *CycleStats) { s.Probed++ })
			p.apply(dev, status, count)
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// check returns ok=false when the probe produced no verdict.
func (p *Prober) check(ctx context.Context, dev *store.Device) (status store.Status, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("probe panic", "device_id", dev.ID, "address", dev.Address, "panic", r)
			metrics.ProbeResults.WithLabelValues("error").Inc()
			ok = false
		}
	}()

	// The probe enforces Timeout itself; the grace keeps this deadline from
	// firing first and turning a silent host into a probe error.
	pctx, cancel := context.WithTimeout(ctx, p.config.Timeout+probeGrace)
	defer cancel()
	res, err := p.checker.Probe(pctx, dev.Address)
	if err != nil {
		p.logger.Warn("probe failed", "device_id", dev.ID, "address", dev.Address, "err", err)
		metrics.ProbeResults.WithLabelValues("error").Inc()
		return "", false
	}
	if !res.Reachable {
		metrics.ProbeResults.WithLabelValues("offline").Inc()
		return store.StatusOffline, true
	}
	p.logger.Debug("probe reply", "device_id", dev.ID, "rtt", res.RTT)
	metrics.ProbeResults.WithLabelValues("online").Inc()
	return store.StatusOnline, true
}

// apply records a prober verdict. Probe latency is not recorded; only agents
// report latency.
func (p *Prober) apply(dev *store.Device, status store.Status, count func(func(*CycleStats))) {
	out, err := p.engine.Apply(Observation{
		DeviceID:   dev.ID,
		Status:     status,
		ObservedAt: p.now(),
		Source:     SourceProber,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Debug("device removed during cycle", "device_id", dev.ID)
			return
		}
		p.logger.Error("apply probe result", "device_id", dev.ID, "err", err)
		return
	}
	count(func(s *CycleStats) {
		if status == store.StatusOnline {
			s.Online++
		} else {
			s.Offline++
		}
		if out.StatusChanged {
			s.Changed++
		}
	})
}

// cronLogger routes cron's logr-style output to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		metrics.ProbeCyclesSkipped.Inc()
		l.logger.Warn("previous probe cycle still running, skipping tick")
		return
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
