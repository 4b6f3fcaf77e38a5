// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package container queries the local container engine for the state of
// container-type services.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/process"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// VersionLabel is the image label carrying the release version.
const VersionLabel = "org.opencontainers.image.version"

const inspectFormat = `{{.State.Running}}|{{ index .Config.Labels "` + VersionLabel + `" }}`

// Status is what the engine reports about one container.
type Status struct {
	Exists  bool
	Running bool
	Version string
}

// Inspector reads container state through docker or podman.
//
// # Thread Safety
//
// Inspector is safe for concurrent use.
type Inspector struct {
	runner process.Runner
	engine string
	limit  int
	logger *slog.Logger
}

// NewInspector creates an inspector. engine is the CLI binary, "docker"
// or "podman".
func NewInspector(runner process.Runner, engine string, logger *slog.Logger) *Inspector {
	if engine == "" {
		engine = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{runner: runner, engine: engine, limit: 4, logger: logger}
}

// Inspect returns the status of container name. A container the engine
// does not know is reported as not existing, not as an error.
func (i *Inspector) Inspect(ctx context.Context, name string) (Status, error) {
	res, err := i.runner.Run(ctx, "", nil, i.engine, "inspect", "--type", "container", "--format", inspectFormat, name)
	if err != nil {
		stderr := strings.ToLower(util.ExtractStderr(err))
		if strings.Contains(stderr, "no such") {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	running, label, ok := strings.Cut(strings.TrimSpace(res.Stdout), "|")
	if !ok {
		return Status{}, fmt.Errorf("inspect container %s: unexpected output %q", name, res.Stdout)
	}
	label = strings.TrimSpace(label)
	if label == "<no value>" {
		label = ""
	}
	return Status{Exists: true, Running: running == "true", Version: label}, nil
}

// IsRunningAt reports whether svc's container is running the given version.
func (i *Inspector) IsRunningAt(ctx context.Context, svc *service.Service, version string) (bool, error) {
	st, err := i.Inspect(ctx, svc.ContainerName())
	if err != nil {
		return false, err
	}
	return st.Running && st.Version != "" && st.Version == version, nil
}

// ProbeVersions inspects every container-type service in parallel and
// returns the merged statuses keyed by service id once all probes finish.
func (i *Inspector) ProbeVersions(ctx context.Context, services []*service.Service) (map[string]Status, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]Status)
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(i.limit)

	for _, svc := range services {
		if svc.Execution != service.ExecutionContainer {
			continue
		}
		g.Go(func() error {
			st, err := i.Inspect(gCtx, svc.ContainerName())
			if err != nil {
				return fmt.Errorf("probe %s: %w", svc.ID, err)
			}
			mu.Lock()
			out[svc.ID] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	i.logger.Debug("Probed container versions", "count", len(out))
	return out, nil
}
