// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/container"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/resilience"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
)

type harness struct {
	ev          *events
	releases    *fakeReleases
	assets      *fakeAssets
	catalog     *fakeCatalog
	scripts     *fakeScripts
	activator   *fakeActivator
	records     *history.Journal
	compensated []string
	postInstall string
	containers  ContainerProbe
}

func newHarness(t *testing.T, latest string, catalogs map[string][]*service.Service) *harness {
	t.Helper()
	ev := &events{}
	store, err := kvstore.OpenBadger(kvstore.InMemoryBadgerConfig())
	require.NoError(t, err)
	records := history.New(store, "miner", discardLogger())
	t.Cleanup(func() { _ = records.Close() })

	return &harness{
		ev:        ev,
		releases:  &fakeReleases{latest: latest},
		assets:    &fakeAssets{ev: ev, present: map[string]bool{}, failRemove: map[string]error{}},
		catalog:   &fakeCatalog{byVersion: catalogs},
		scripts:   &fakeScripts{ev: ev, fail: map[string]error{}},
		activator: &fakeActivator{ev: ev, links: map[string]string{}},
		records:   records,
	}
}

// installed marks v as the managed release with services linked.
func (h *harness) installed(t *testing.T, v string) {
	t.Helper()
	h.assets.present[v] = true
	versions := map[string]string{}
	for _, s := range h.catalog.byVersion[v] {
		h.activator.links[s.Key] = roleRoot(v) + "/" + s.Key
		versions[s.ID] = s.Version
	}
	require.NoError(t, h.records.Commit(context.Background(), v, versions))
	h.ev.log = nil
}

func (h *harness) orchestrator() *Orchestrator {
	sagaCfg := resilience.DefaultSagaConfig()
	sagaCfg.Logger = discardLogger()
	sagaCfg.OnCompensate = func(name string, _ error) {
		h.compensated = append(h.compensated, name)
	}
	return New(Config{
		Role:               "miner",
		PostInstallCommand: h.postInstall,
		Saga:               sagaCfg,
		Logger:             discardLogger(),
	}, Deps{
		Releases:   h.releases,
		Assets:     h.assets,
		Catalog:    h.catalog,
		Env:        &fakeEnv{ev: h.ev},
		Scripts:    h.scripts,
		Migrations: &fakeMigrator{ev: h.ev},
		Activation: h.activator,
		Containers: h.containers,
		Records:    h.records,
	})
}

func scenarioCatalogs() map[string][]*service.Service {
	return map[string][]*service.Service{
		"1.0.0": {svc("neuron", "1.0.0", "redis"), svc("redis", "1.0.0")},
		"1.0.1": {svc("neuron", "1.0.1", "redis"), svc("redis", "1.0.1")},
	}
}

var allSteps = []string{
	StepGetCurrentVersion, StepGetLatestVersion, StepPullCurrent, StepPullLatest,
	StepLoadCurrent, StepLoadLatest, StepDiffServices, StepCopyEnv, StepRollOut,
	StepMigrate, StepStopCurrent, StepSwitchVersions, StepStartLatest,
	StepPruneRemoved, StepRemovePrevious, StepFinalize,
}

func lifecycleEvents(h *harness) []string {
	return h.ev.matching("setup ", "start ", "stop ", "teardown ")
}

func TestRunPlan_UpgradeAllServices(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.0")
	o := h.orchestrator()
	ctx := context.Background()

	res, err := o.RunPlan(ctx, DirectionRollout)
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.Equal(t, "1.0.0", res.From)
	assert.Equal(t, "1.0.1", res.To)

	assert.Equal(t, []string{
		"setup redis@1.0.1",
		"setup neuron@1.0.1",
		"stop neuron@1.0.0",
		"stop redis@1.0.0",
		"start redis@1.0.1",
		"start neuron@1.0.1",
	}, lifecycleEvents(h))
	assert.Equal(t, []string{"remove 1.0.0"}, h.ev.matching("remove "))
	assert.False(t, h.assets.Exists("1.0.0"))

	assert.Len(t, o.Recorded(), 16)
	assert.Equal(t, allSteps, o.Recorded())

	for _, s := range res.Services {
		assert.Equal(t, service.UpgradeUpgrade, s.UpgradeType, s.ID)
		assert.Equal(t, "1.0.0", s.RollbackVersion, s.ID)
	}
	assert.Equal(t, roleRoot("1.0.1")+"/neuron", h.activator.links["neuron"])

	v, err := h.records.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", v)
	prev, err := h.records.Previous(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", prev)
}

func TestRunPlan_RemovedServiceIsOnlyStoppedAndTornDown(t *testing.T) {
	catalogs := map[string][]*service.Service{
		"1.0.0": {svc("neuron", "1.0.0", "redis"), svc("redis", "1.0.0")},
		"1.0.1": {svc("neuron", "1.0.0")},
	}
	h := newHarness(t, "1.0.1", catalogs)
	h.installed(t, "1.0.0")
	o := h.orchestrator()

	res, err := o.RunPlan(context.Background(), DirectionRollout)
	require.NoError(t, err)

	require.Len(t, res.Services, 2)
	neuron, redis := res.Services[0], res.Services[1]
	assert.Equal(t, "neuron", neuron.ID)
	assert.False(t, neuron.NeedsUpdate)
	assert.Equal(t, service.UpgradeNone, neuron.UpgradeType)
	assert.Equal(t, "redis", redis.ID)
	assert.True(t, redis.MustRemove)

	assert.Equal(t, []string{"stop redis@1.0.0", "teardown redis@1.0.0"}, lifecycleEvents(h))
	assert.Equal(t, []string{"remove 1.0.0"}, h.ev.matching("remove "))
	assert.NotContains(t, h.activator.links, "redis")
	assert.Len(t, o.Recorded(), 16)
}

func TestRunPlan_FailureAtRemovePreviousUnwindsInReverse(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.0")
	h.assets.failRemove["1.0.0"] = errors.New("device busy")
	o := h.orchestrator()
	ctx := context.Background()

	_, err := o.RunPlan(ctx, DirectionRollout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StepRemovePrevious)

	recorded := o.Recorded()
	require.Len(t, recorded, 15)
	assert.Equal(t, allSteps[:15], recorded)

	failures := o.RunRollbackPlan(ctx)
	assert.Empty(t, failures)

	reversed := make([]string, len(recorded))
	for i, name := range recorded {
		reversed[len(recorded)-1-i] = name
	}
	assert.Equal(t, reversed, h.compensated)

	assert.Equal(t, []string{
		"pull 1.0.0",
		"stop neuron@1.0.1",
		"stop redis@1.0.1",
		"link redis -> " + roleRoot("1.0.0") + "/redis",
		"link neuron -> " + roleRoot("1.0.0") + "/neuron",
		"start redis@1.0.0",
		"start neuron@1.0.0",
		"unmigrate",
		"teardown neuron@1.0.1",
		"teardown redis@1.0.1",
		"restore env",
		"remove 1.0.1",
	}, h.ev.after("remove 1.0.0"))

	v, err := h.records.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
	assert.Zero(t, o.saga.StepCount())
}

func TestRunPlan_UpToDateStopsAfterPull(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.1")
	o := h.orchestrator()

	res, err := o.RunPlan(context.Background(), DirectionRollout)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Equal(t, allSteps[:4], o.Recorded())
	assert.Empty(t, lifecycleEvents(h))
	assert.Empty(t, h.ev.matching("remove "))
}

func TestRunPlan_LatestWithoutArchiveIsNoop(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.0")
	h.assets.missing = map[string]bool{"1.0.1": true}
	o := h.orchestrator()
	ctx := context.Background()

	res, _, err := o.Execute(ctx, DirectionRollout)
	require.NoError(t, err)
	assert.True(t, res.Unavailable)
	assert.False(t, res.UpToDate)
	assert.Equal(t, "1.0.0", res.From)
	assert.Equal(t, "1.0.1", res.To)
	assert.Equal(t, allSteps[:4], res.Steps)
	assert.Empty(t, lifecycleEvents(h))
	assert.Empty(t, h.ev.matching("remove "))
	assert.Empty(t, h.compensated)

	v, err := h.records.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
}

func TestRunPlan_FreshInstallFromBaseline(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.postInstall = "pip install -e ."
	o := h.orchestrator()
	ctx := context.Background()

	res, err := o.RunPlan(ctx, DirectionRollout)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaselineVersion, res.From)
	assert.Len(t, o.Recorded(), 16)

	for _, s := range res.Services {
		assert.Equal(t, service.UpgradeInstall, s.UpgradeType)
	}
	assert.Equal(t, []string{
		"setup redis@1.0.1",
		"setup neuron@1.0.1",
		"start redis@1.0.1",
		"start neuron@1.0.1",
	}, lifecycleEvents(h))
	assert.Equal(t, []string{"pull 1.0.1"}, h.ev.matching("pull "))
	assert.Empty(t, h.ev.matching("remove "))
	assert.Equal(t, []string{"shell pip install -e . in " + roleRoot("1.0.1")}, h.ev.matching("shell "))

	// Rolling back a fresh install removes the links and the pulled tree.
	failures := o.RunRollbackPlan(ctx)
	assert.Empty(t, failures)
	assert.Empty(t, h.activator.links)
	assert.False(t, h.assets.Exists("1.0.1"))
	_, err = h.records.Version(ctx)
	assert.ErrorIs(t, err, history.ErrNoRecord)
}

func TestRunPlan_CurrentVersionFromLinks(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.assets.present["1.0.0"] = true
	h.activator.links["neuron"] = roleRoot("1.0.0") + "/neuron"
	h.activator.links["stray"] = "/opt/elsewhere/thing"

	res, err := h.orchestrator().RunPlan(context.Background(), DirectionRollout)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.From)
}

func TestRunPlan_RollbackDirectionDowngrades(t *testing.T) {
	h := newHarness(t, "9.9.9", scenarioCatalogs())
	h.installed(t, "1.0.0")
	h.installed(t, "1.0.1")
	o := h.orchestrator()
	ctx := context.Background()

	res, err := o.RunPlan(ctx, DirectionRollback)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", res.From)
	assert.Equal(t, "1.0.0", res.To)
	for _, s := range res.Services {
		assert.Equal(t, service.UpgradeDowngrade, s.UpgradeType)
	}

	v, err := h.records.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
}

func TestRunPlan_RollbackDirectionWithoutHistory(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	_, err := h.orchestrator().RunPlan(context.Background(), DirectionRollback)
	assert.ErrorIs(t, err, ErrNothingToRollBack)
}

func TestRunPlan_SkipsContainerAlreadyAtTarget(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.0")
	h.containers = &fakeContainers{statuses: map[string]container.Status{
		"redis": {Exists: true, Running: true, Version: "1.0.1"},
	}}

	_, err := h.orchestrator().RunPlan(context.Background(), DirectionRollout)
	require.NoError(t, err)
	assert.Equal(t, []string{"setup neuron@1.0.1"}, h.ev.matching("setup "))
}

func TestExecute_SetupFailureTearsDownAttempted(t *testing.T) {
	h := newHarness(t, "1.0.1", scenarioCatalogs())
	h.installed(t, "1.0.0")
	h.scripts.fail["setup neuron@1.0.1"] = errors.New("exit status 1")
	o := h.orchestrator()

	_, failures, err := o.Execute(context.Background(), DirectionRollout)
	require.Error(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []string{
		"setup redis@1.0.1",
		"setup neuron@1.0.1",
		"teardown neuron@1.0.1",
		"teardown redis@1.0.1",
	}, lifecycleEvents(h))
	assert.Empty(t, h.ev.matching("collect "))
}

func TestRunPlan_CycleInLatestFails(t *testing.T) {
	catalogs := scenarioCatalogs()
	catalogs["1.0.1"] = []*service.Service{svc("neuron", "1.0.1", "redis"), svc("redis", "1.0.1", "neuron")}
	h := newHarness(t, "1.0.1", catalogs)
	h.installed(t, "1.0.0")

	_, err := h.orchestrator().RunPlan(context.Background(), DirectionRollout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StepRollOut)
	assert.Empty(t, lifecycleEvents(h))
}
