// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/process"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/migration"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

var _ migration.CommandRunner = (*Scripts)(nil)

func newService(t *testing.T) *service.Service {
	t.Helper()
	dir := t.TempDir()
	svc := &service.Service{ID: "redis", Key: "redis", Dir: dir, Execution: service.ExecutionContainer, Version: "1.0.1"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REDIS_PORT=6380\nA=1\n"), 0o644))
	return svc
}

func TestScripts_ConventionalScript(t *testing.T) {
	svc := newService(t)
	script := ScriptPath(svc, service.ActionSetup)
	assert.Equal(t, filepath.Join(svc.Dir, "deployment", "container", "redis_container_setup.sh"), script)
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	runner := &process.MockRunner{}
	s := NewScripts(runner, "/bin/sh", nil)
	require.NoError(t, s.Run(context.Background(), svc, service.ActionSetup))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/bin/sh", calls[0].Name)
	assert.Equal(t, []string{script}, calls[0].Args)
	assert.Equal(t, svc.Dir, calls[0].Dir)
	assert.Equal(t, []string{"A=1", "REDIS_PORT=6380"}, calls[0].Env)
}

func TestScripts_ManifestCommandWins(t *testing.T) {
	svc := newService(t)
	svc.StartCommand = "docker compose up -d"

	runner := &process.MockRunner{}
	require.NoError(t, NewScripts(runner, "", nil).Run(context.Background(), svc, service.ActionStart))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultShell, calls[0].Name)
	assert.Equal(t, []string{"-c", "docker compose up -d"}, calls[0].Args)
}

func TestScripts_MissingScript(t *testing.T) {
	svc := newService(t)
	runner := &process.MockRunner{}
	err := NewScripts(runner, "", nil).Run(context.Background(), svc, service.ActionTeardown)
	require.Error(t, err)
	assert.Equal(t, util.KindMissingFile, util.KindOf(err))
	assert.Empty(t, runner.Calls())
}

func TestScripts_FailureIsExternalScriptFailure(t *testing.T) {
	svc := newService(t)
	svc.StopCommand = "exit 3"
	runner := &process.MockRunner{RunFunc: func(_ context.Context, c process.Call) (*process.Result, error) {
		return &process.Result{ExitCode: 3}, util.NewCommandError(c.Line(), 3, "boom", errors.New("exit status 3"))
	}}
	err := NewScripts(runner, "", nil).Run(context.Background(), svc, service.ActionStop)
	require.Error(t, err)
	assert.Equal(t, util.KindExternalScriptFailure, util.KindOf(err))
	assert.Contains(t, err.Error(), "stop redis")
}

func TestScripts_RunCommand(t *testing.T) {
	runner := &process.MockRunner{}
	s := NewScripts(runner, "/bin/sh", nil)
	require.NoError(t, s.RunCommand(context.Background(), "/srv", map[string]string{"STORE_URL": "redis://x"}, "./fix.sh"))
	require.NoError(t, s.Shell(context.Background(), "/srv/app", "pip install -e ."))

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"STORE_URL=redis://x"}, calls[0].Env)
	assert.Equal(t, []string{"-c", "./fix.sh"}, calls[0].Args)
	assert.Nil(t, calls[1].Env)
	assert.Equal(t, "/srv/app", calls[1].Dir)
}
