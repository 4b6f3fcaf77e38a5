// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPath is the configuration file used when --config is not given.
const DefaultPath = "/etc/autoupgrader/autoupgrader.yaml"

// Config is the complete autoupgrader configuration. It is built once in
// main and passed down explicitly.
type Config struct {
	// Role selects the release flavour managed on this host.
	Role string `yaml:"role" validate:"required,oneof=miner validator"`

	// AssetDir holds extracted release trees, <asset_dir>/<role>-<tag>.
	AssetDir string `yaml:"asset_dir" validate:"required"`

	// InstallDir holds one activation link per service.
	InstallDir string `yaml:"install_dir" validate:"required"`

	// EnvTemplateDir holds <role>/<service key>.env templates.
	EnvTemplateDir string `yaml:"env_template_dir" validate:"required"`

	// StateDir holds the run lock, the history journal and the data root of
	// badger service stores.
	StateDir string `yaml:"state_dir" validate:"required"`

	// BaselineVersion is the release installed before the autoupgrader.
	BaselineVersion string `yaml:"baseline_version" validate:"required"`

	// PostInstallCommand runs in the new role root after setup.
	PostInstallCommand string `yaml:"post_install_command,omitempty"`

	Release ReleaseConfig `yaml:"release"`
	Runner  RunnerConfig  `yaml:"runner"`

	// StepTimeout bounds each plan step and each compensation.
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gte=1s"`

	Loop    LoopConfig    `yaml:"loop"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ReleaseConfig describes the artifact source.
type ReleaseConfig struct {
	APIURL      string `yaml:"api_url" validate:"required,url"`
	DownloadURL string `yaml:"download_url" validate:"required"`

	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`

	// Prerelease is the accepted channel: "" (stable), alpha, rc or all.
	Prerelease string `yaml:"prerelease" validate:"omitempty,oneof=alpha rc all"`

	PerPage int           `yaml:"per_page" validate:"gte=1,lte=100"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=1s"`

	// RequestsPerMinute paces API and archive requests. Zero disables it.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`
}

// Limiter returns the request limiter, or nil when pacing is disabled.
func (r ReleaseConfig) Limiter() *rate.Limiter {
	if r.RequestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.RequestsPerMinute)), 1)
}

// RunnerConfig controls external commands.
type RunnerConfig struct {
	Shell           string        `yaml:"shell" validate:"required"`
	ScriptTimeout   time.Duration `yaml:"script_timeout" validate:"gte=0"`
	ContainerEngine string        `yaml:"container_engine" validate:"required,oneof=docker podman"`
}

// LoopConfig controls continuous mode.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=1s"`
	Burst    int           `yaml:"burst" validate:"gte=1"`
}

// MetricsConfig controls Prometheus output.
type MetricsConfig struct {
	// Textfile is written after each run when set.
	Textfile string `yaml:"textfile,omitempty"`

	// ListenAddr serves /metrics in loop mode when set.
	ListenAddr string `yaml:"listen_addr,omitempty" validate:"omitempty,hostname_port"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used for missing fields.
func DefaultConfig() Config {
	return Config{
		Role:            "miner",
		AssetDir:        "/var/lib/autoupgrader/assets",
		InstallDir:      "/opt/autoupgrader/services",
		EnvTemplateDir:  "/etc/autoupgrader/env",
		StateDir:        "/var/lib/autoupgrader",
		BaselineVersion: "0.0.0",
		Release: ReleaseConfig{
			APIURL:      "https://api.github.com/repos/AleutianAI/releases/releases",
			DownloadURL: "https://github.com/AleutianAI/releases/releases/download/v{version}/{role}-{tag}.tar.gz",
			TokenEnv:    "GITHUB_TOKEN",
			PerPage:     30,
			Timeout:     10 * time.Minute,

			RequestsPerMinute: 30,
		},
		Runner: RunnerConfig{
			Shell:           "/bin/bash",
			ScriptTimeout:   15 * time.Minute,
			ContainerEngine: "docker",
		},
		StepTimeout: 30 * time.Minute,
		Loop: LoopConfig{
			Interval: 10 * time.Minute,
			Burst:    1,
		},
	}
}

// Token returns the API token from the environment, or "".
// DataRoot holds service stores that must outlive release trees:
// <state_dir>/data/<role>.
func (c *Config) DataRoot() string {
	return filepath.Join(c.StateDir, "data", c.Role)
}

func (c *Config) Token(getenv func(string) string) string {
	if c.Release.TokenEnv == "" {
		return ""
	}
	return getenv(c.Release.TokenEnv)
}
