// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Runner executes external commands.
//
// # Description
//
// All lifecycle scripts, container engine queries and migration exec
// operations go through a Runner so tests can script them.
type Runner interface {
	// Run executes name with args in dir. env entries ("K=V") are appended
	// to the runner's base environment.
	//
	// A non-zero exit, a start failure or a timeout returns a
	// *util.CommandError; Result is still returned when the process ran.
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)
}

// =============================================================================
// STRUCTS
// =============================================================================

// Result holds the outcome of one command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Timeout bounds each command. Zero means only ctx bounds it.
	Timeout time.Duration

	// BaseEnv is the environment every command starts from. Nil
	// inherits the autoupgrader's own environment.
	BaseEnv []string

	Logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewExecRunner creates a runner with a per-command timeout.
func NewExecRunner(timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Timeout: timeout, Logger: logger}
}

// =============================================================================
// METHODS
// =============================================================================

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmdLine := strings.TrimSpace(name + " " + strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if r.BaseEnv != nil {
		cmd.Env = append(append([]string(nil), r.BaseEnv...), env...)
	} else if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug("Running command", "command", cmdLine, "dir", dir)
	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Command:  cmdLine,
		ExitCode: exitCode(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		r.Logger.Debug("Command failed", "command", cmdLine, "exit_code", result.ExitCode, "duration", result.Duration)
		return result, util.NewCommandError(cmdLine, result.ExitCode, result.Stderr, err)
	}
	return result, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil || cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
