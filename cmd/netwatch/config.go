package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"netwatch/internal/engine"
	"netwatch/internal/probe"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		WSBuffer       int      `yaml:"ws_buffer"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Engine struct {
		LatencyThresholdMS int `yaml:"latency_threshold_ms"`
		AuditRetention     int `yaml:"audit_retention"`
	} `yaml:"engine"`
	Prober struct {
		Interval        string `yaml:"interval"`
		FreshnessWindow string `yaml:"freshness_window"`
		Timeout         string `yaml:"timeout"`
		Concurrency     int    `yaml:"concurrency"`
		Method          string `yaml:"method"` // icmp, tcp or snmp
		TCPPorts        []int  `yaml:"tcp_ports"`
		ICMPPrivileged  bool   `yaml:"icmp_privileged"`
		SNMP            struct {
			Community string `yaml:"community"`
			Port      uint16 `yaml:"port"`
		} `yaml:"snmp"`
	} `yaml:"prober"`
	// Simulation overrides the persisted flag at startup only when set.
	Simulation *bool `yaml:"simulation"`
	MQTT       struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
		APIURL   string   `yaml:"api_url"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	pc, err := c.proberConfig()
	if err != nil {
		return err
	}
	if pc.Interval <= 0 {
		return fmt.Errorf("prober.interval must be positive, got %s", pc.Interval)
	}
	if pc.FreshnessWindow <= 0 {
		return fmt.Errorf("prober.freshness_window must be positive, got %s", pc.FreshnessWindow)
	}
	if pc.Timeout <= 0 || pc.Timeout >= pc.Interval {
		return fmt.Errorf("prober.timeout must be between 0 and prober.interval (%s), got %s", pc.Interval, pc.Timeout)
	}
	switch strings.ToLower(c.Prober.Method) {
	case probe.MethodICMP, probe.MethodTCP, probe.MethodSNMP:
	default:
		return fmt.Errorf("unknown prober.method %q (supported: icmp, tcp, snmp)", c.Prober.Method)
	}
	for _, port := range c.Prober.TCPPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("prober.tcp_ports: invalid port %d", port)
		}
	}
	if c.Engine.LatencyThresholdMS < 0 {
		return fmt.Errorf("engine.latency_threshold_ms must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// proberConfig parses the prober durations.
func (c *Config) proberConfig() (engine.ProberConfig, error) {
	var pc engine.ProberConfig
	var err error
	if pc.Interval, err = time.ParseDuration(c.Prober.Interval); err != nil {
		return pc, fmt.Errorf("prober.interval: %w", err)
	}
	if pc.FreshnessWindow, err = time.ParseDuration(c.Prober.FreshnessWindow); err != nil {
		return pc, fmt.Errorf("prober.freshness_window: %w", err)
	}
	if pc.Timeout, err = time.ParseDuration(c.Prober.Timeout); err != nil {
		return pc, fmt.Errorf("prober.timeout: %w", err)
	}
	pc.Concurrency = c.Prober.Concurrency
	return pc, nil
}

func (c *Config) probeConfig(timeout time.Duration) probe.Config {
	return probe.Config{
		Method:         c.Prober.Method,
		Timeout:        timeout,
		ICMPPrivileged: c.Prober.ICMPPrivileged,
		TCPPorts:       c.Prober.TCPPorts,
		SNMPCommunity:  c.Prober.SNMP.Community,
		SNMPPort:       c.Prober.SNMP.Port,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "netwatch.db"
	}
	if cfg.Engine.LatencyThresholdMS == 0 {
		cfg.Engine.LatencyThresholdMS = engine.DefaultLatencyThresholdMS
	}
	if cfg.Prober.Interval == "" {
		cfg.Prober.Interval = engine.DefaultProbeInterval.String()
	}
	if cfg.Prober.FreshnessWindow == "" {
		cfg.Prober.FreshnessWindow = engine.DefaultFreshnessWindow.String()
	}
	if cfg.Prober.Timeout == "" {
		cfg.Prober.Timeout = engine.DefaultProbeTimeout.String()
	}
	if cfg.Prober.Concurrency == 0 {
		cfg.Prober.Concurrency = engine.DefaultProbeConcurrency
	}
	if cfg.Prober.Method == "" {
		cfg.Prober.Method = probe.MethodICMP
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "netwatch"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	return &cfg, nil
}

// logOutput returns stdout, or a rotating file when log.file is set.
func logOutput(cfg *Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
