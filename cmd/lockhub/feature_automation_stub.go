//go:build no_automation

package main

import (
	"log/slog"

	"lockhub/internal/fleet"
	"lockhub/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *fleet.Orchestrator, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
