// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func release(t *testing.T, assets, tag, key string) string {
	t.Helper()
	dir := filepath.Join(assets, "miner-"+tag, "miner", key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestSwitcher_SwitchAndBack(t *testing.T) {
	assets := t.TempDir()
	install := filepath.Join(t.TempDir(), "active")
	old := release(t, assets, "1.0.0", "neuron")
	latest := release(t, assets, "1.0.1", "neuron")
	s := NewSwitcher(install, nil)

	_, ok, err := s.Active("neuron")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SwitchToVersion("neuron", old))
	require.NoError(t, s.SwitchToVersion("neuron", latest))
	target, ok, err := s.Active("neuron")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, latest, target)
	assert.Equal(t, "miner-1.0.1", ReleaseOf(target))

	require.NoError(t, s.SwitchToVersion("neuron", old))
	target, _, _ = s.Active("neuron")
	assert.Equal(t, old, target)

	links, err := s.Links()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"neuron": old}, links)
}

func TestSwitcher_HealsInterruptedSwitch(t *testing.T) {
	assets := t.TempDir()
	install := t.TempDir()
	dir := release(t, assets, "1.0.1", "redis")
	require.NoError(t, os.Symlink("/nowhere", filepath.Join(install, tempPrefix+"redis")))

	s := NewSwitcher(install, nil)
	require.NoError(t, s.SwitchToVersion("redis", dir))
	target, _, err := s.Active("redis")
	require.NoError(t, err)
	assert.Equal(t, dir, target)
	assert.NoFileExists(t, filepath.Join(install, tempPrefix+"redis"))
}

func TestSwitcher_ReplacesRealDirectory(t *testing.T) {
	assets := t.TempDir()
	install := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(install, "redis", "data"), 0o755))
	dir := release(t, assets, "1.0.1", "redis")

	s := NewSwitcher(install, nil)
	require.NoError(t, s.SwitchToVersion("redis", dir))
	target, ok, err := s.Active("redis")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, dir, target)
}

func TestSwitcher_RejectsMissingTarget(t *testing.T) {
	s := NewSwitcher(t.TempDir(), nil)
	assert.Error(t, s.SwitchToVersion("redis", filepath.Join(t.TempDir(), "missing")))
}

func TestSwitcher_RejectsUnsafeKey(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "release")
	require.NoError(t, os.MkdirAll(target, 0o755))

	s := NewSwitcher(filepath.Join(dir, "services"), nil)
	require.Error(t, s.SwitchToVersion("..", target))
	require.Error(t, s.SwitchToVersion("a/b", target))
	assert.DirExists(t, dir)
}

func TestSwitcher_Deactivate(t *testing.T) {
	assets := t.TempDir()
	s := NewSwitcher(t.TempDir(), nil)
	require.NoError(t, s.SwitchToVersion("redis", release(t, assets, "1.0.0", "redis")))
	require.NoError(t, s.Deactivate("redis"))
	require.NoError(t, s.Deactivate("redis"))
	_, ok, err := s.Active("redis")
	require.NoError(t, err)
	assert.False(t, ok)
}
