//go:build no_automation

package main

import (
	"log/slog"

	"netwatch/internal/engine"
	"netwatch/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *engine.Engine, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
