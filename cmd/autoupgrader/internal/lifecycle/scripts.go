// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle runs the setup, start, stop and teardown actions of
// services and the shell commands of migration files.
//
// An action resolves to the manifest command when one is declared, and to
// the conventional script otherwise:
//
//	<service dir>/deployment/<execution>/<key>_<execution>_<action>.sh
//
// Everything runs through the configured shell inside the service
// directory with the service's .env merged into the environment.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/envfile"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/process"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// DefaultShell is used when no shell is configured.
const DefaultShell = "/bin/bash"

// Scripts runs lifecycle actions through a process.Runner.
type Scripts struct {
	runner process.Runner
	shell  string
	logger *slog.Logger
}

// NewScripts creates a script runner.
func NewScripts(runner process.Runner, shell string, logger *slog.Logger) *Scripts {
	if shell == "" {
		shell = DefaultShell
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scripts{runner: runner, shell: shell, logger: logger}
}

// ScriptPath returns the conventional script of an action.
func ScriptPath(svc *service.Service, action service.Action) string {
	exec := string(svc.Execution)
	name := fmt.Sprintf("%s_%s_%s.sh", svc.Key, exec, action)
	return filepath.Join(svc.Dir, "deployment", exec, name)
}

// Resolve returns the shell arguments for an action.
//
// # Outputs
//
//   - []string: arguments after the shell, either {"-c", command} or
//     {scriptPath}
//   - error: MissingFile when neither a command nor the script exists
func (s *Scripts) Resolve(svc *service.Service, action service.Action) ([]string, error) {
	if cmd := svc.Command(action); cmd != "" {
		return []string{"-c", cmd}, nil
	}
	path := ScriptPath(svc, action)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return nil, util.NewPathError(util.KindMissingFile, path, fmt.Sprintf("no %s script for %s", action, svc.ID))
	}
	return []string{path}, nil
}

// Run executes one lifecycle action of a service.
func (s *Scripts) Run(ctx context.Context, svc *service.Service, action service.Action) error {
	args, err := s.Resolve(svc, action)
	if err != nil {
		return err
	}
	env, err := envfile.Load(svc)
	if err != nil {
		return err
	}

	s.logger.Info("Running lifecycle action", "service", svc.ID, "action", string(action), "version", svc.Version)
	res, err := s.runner.Run(ctx, svc.Dir, envList(env), s.shell, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, svc.ID, err)
	}
	s.logger.Debug("Lifecycle action finished", "service", svc.ID, "action", string(action), "duration", res.Duration)
	return nil
}

// Shell runs a free-form command, such as the post-install command, in dir.
func (s *Scripts) Shell(ctx context.Context, dir, command string) error {
	return s.RunCommand(ctx, dir, nil, command)
}

// RunCommand runs command through the shell in dir with env added. It
// serves the exec operation of migration files.
func (s *Scripts) RunCommand(ctx context.Context, dir string, env map[string]string, command string) error {
	s.logger.Debug("Running shell command", "dir", dir, "command", command)
	if _, err := s.runner.Run(ctx, dir, envList(env), s.shell, "-c", command); err != nil {
		return err
	}
	return nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
