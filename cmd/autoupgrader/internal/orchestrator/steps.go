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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/activation"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/artifact"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/dependency"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/resilience"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/version"
)

// preamble returns steps 1 to 4.
func (o *Orchestrator) preamble() []resilience.SagaStep {
	return []resilience.SagaStep{
		{Name: StepGetCurrentVersion, Execute: o.getCurrentVersion},
		{Name: StepGetLatestVersion, Execute: o.getLatestVersion},
		{Name: StepPullCurrent, Condition: o.pastBaseline, Execute: o.pullCurrent},
		{Name: StepPullLatest, Execute: o.pullLatest, Compensate: o.unpullLatest},
	}
}

// body returns steps 6 to 17.
func (o *Orchestrator) body() []resilience.SagaStep {
	return []resilience.SagaStep{
		{Name: StepLoadCurrent, Condition: o.pastBaseline, Execute: o.loadCurrent},
		{Name: StepLoadLatest, Execute: o.loadLatest},
		{Name: StepDiffServices, Execute: o.diffServices},
		{Name: StepCopyEnv, Execute: o.copyEnv, Compensate: o.restoreEnv},
		{Name: StepRollOut, Execute: o.rollOut, Compensate: o.undoRollOut},
		{Name: StepMigrate, Execute: o.migrate, Compensate: o.unmigrate},
		{Name: StepStopCurrent, Execute: o.stopCurrent, Compensate: o.restartCurrent},
		{Name: StepSwitchVersions, Execute: o.switchVersions, Compensate: o.switchBack},
		{Name: StepStartLatest, Execute: o.startLatest, Compensate: o.stopLatest},
		{Name: StepPruneRemoved, Execute: o.pruneRemoved, Compensate: o.restorePruned},
		{Name: StepRemovePrevious, Condition: o.pastBaseline, Execute: o.removePrevious, Compensate: o.repullPrevious},
		{Name: StepFinalize, Execute: o.finalize, Compensate: o.unfinalize},
	}
}

// =============================================================================
// VERSIONS AND ASSETS
// =============================================================================

// getCurrentVersion reads the version of record, then the activation
// links, and falls back to the baseline.
func (o *Orchestrator) getCurrentVersion(ctx context.Context) error {
	if o.deps.Records != nil {
		v, err := o.deps.Records.Version(ctx)
		switch {
		case err == nil:
			o.st.current = v
			o.logger.Info("Current version from records", "version", v)
			return nil
		case !errors.Is(err, history.ErrNoRecord):
			return err
		}
	}

	if v, ok, err := o.versionFromLinks(); err != nil {
		return err
	} else if ok {
		o.st.current = v
		o.logger.Info("Current version from activation links", "version", v)
		return nil
	}

	o.st.current = o.cfg.BaselineVersion
	o.logger.Info("No managed release found, assuming baseline", "version", o.st.current)
	return nil
}

// versionFromLinks returns the release of the first activation link, in
// service key order, that names a release of the role.
func (o *Orchestrator) versionFromLinks() (string, bool, error) {
	links, err := o.deps.Activation.Links()
	if err != nil {
		return "", false, fmt.Errorf("read activation links: %w", err)
	}
	keys := make([]string, 0, len(links))
	for k := range links {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tag, ok := strings.CutPrefix(activation.ReleaseOf(links[k]), o.cfg.Role+"-")
		if !ok {
			continue
		}
		if v, err := version.Denormalize(tag); err == nil {
			return v, true, nil
		}
	}
	return "", false, nil
}

func (o *Orchestrator) getLatestVersion(ctx context.Context) error {
	if o.st.direction == DirectionRollback {
		if o.deps.Records == nil {
			return ErrNothingToRollBack
		}
		v, err := o.deps.Records.Previous(ctx)
		if errors.Is(err, history.ErrNoRecord) {
			return ErrNothingToRollBack
		}
		if err != nil {
			return err
		}
		o.st.latest = v
		o.logger.Info("Rollback target from records", "version", v)
		return nil
	}

	v, err := o.deps.Releases.Latest(ctx)
	if err != nil {
		return fmt.Errorf("find latest release: %w", err)
	}
	if !version.Valid(v) {
		return util.NewError(util.KindInvalidVersionString, "latest release %q", v)
	}
	o.st.latest = v
	o.logger.Info("Latest release", "version", v)
	return nil
}

func (o *Orchestrator) pullCurrent(ctx context.Context) error {
	if err := o.deps.Assets.Pull(ctx, o.st.current); err != nil {
		return wrapVersion("pull current release", o.st.current, err)
	}
	return nil
}

func (o *Orchestrator) pullLatest(ctx context.Context) error {
	o.st.latestPresent = o.deps.Assets.Exists(o.st.latest)
	err := o.deps.Assets.Pull(ctx, o.st.latest)
	if errors.Is(err, artifact.ErrAssetNotFound) {
		o.st.latestMissing = true
		return nil
	}
	if err != nil {
		return wrapVersion("pull latest release", o.st.latest, err)
	}
	_, err = o.deps.Assets.RequireRoleRoot(o.st.latest)
	return err
}

func (o *Orchestrator) unpullLatest(context.Context) error {
	if o.st.latestPresent || o.st.latestMissing || version.Equal(o.st.latest, o.st.current) {
		return nil
	}
	return o.deps.Assets.Remove(o.st.latest)
}

func (o *Orchestrator) removePrevious(context.Context) error {
	return o.deps.Assets.Remove(o.st.current)
}

func (o *Orchestrator) repullPrevious(ctx context.Context) error {
	return o.deps.Assets.Pull(ctx, o.st.current)
}

// =============================================================================
// SERVICES
// =============================================================================

func (o *Orchestrator) loadCurrent(context.Context) error {
	root, err := o.deps.Assets.RequireRoleRoot(o.st.current)
	if err != nil {
		return err
	}
	services, err := o.deps.Catalog.LoadServices(root, o.st.current)
	if err != nil {
		return err
	}
	o.st.currentServices = services
	return nil
}

func (o *Orchestrator) loadLatest(context.Context) error {
	root, err := o.deps.Assets.RequireRoleRoot(o.st.latest)
	if err != nil {
		return err
	}
	services, err := o.deps.Catalog.LoadServices(root, o.st.latest)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return util.NewPathError(util.KindServicesLoadFailure, root, "release "+o.st.latest+" has no services")
	}
	o.st.latestServices = services
	return nil
}

// diffServices builds the working set by id.
//
// Latest services come first in catalog order, followed by current
// services that the latest release no longer ships.
func (o *Orchestrator) diffServices(context.Context) error {
	current := byID(o.st.currentServices)
	latest := byID(o.st.latestServices)

	var working []*service.Service
	for _, l := range o.st.latestServices {
		svc := l.Clone()
		cur, ok := current[svc.ID]
		switch {
		case !ok:
			svc.NeedsUpdate, svc.UpgradeType = true, service.UpgradeInstall
		default:
			cmp, err := version.Compare(svc.Version, cur.Version)
			if err != nil {
				return fmt.Errorf("service %s: %w", svc.ID, err)
			}
			svc.RollbackVersion = cur.Version
			switch {
			case cmp > 0:
				svc.NeedsUpdate, svc.UpgradeType = true, service.UpgradeUpgrade
			case cmp < 0:
				svc.NeedsUpdate, svc.UpgradeType = true, service.UpgradeDowngrade
			default:
				svc.UpgradeType = service.UpgradeNone
			}
		}
		working = append(working, svc)
	}
	for _, c := range o.st.currentServices {
		if _, ok := latest[c.ID]; ok {
			continue
		}
		svc := c.Clone()
		svc.MustRemove, svc.UpgradeType = true, service.UpgradeNone
		working = append(working, svc)
	}

	o.st.services = working
	for _, s := range working {
		o.logger.Info("Planned service", "service", s.ID, "version", s.Version,
			"upgrade", string(s.UpgradeType), "must_remove", s.MustRemove)
	}
	return nil
}

// planned returns the working-set entry of id.
func (o *Orchestrator) planned(id string) (*service.Service, bool) {
	for _, s := range o.st.services {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// latestWorking returns the working set resolved in dependency order of
// the latest snapshot, filtered by keep.
func (o *Orchestrator) latestWorking(reverse bool, keep func(*service.Service) bool) ([]*service.Service, error) {
	var snapshot []*service.Service
	for _, s := range o.st.services {
		if !s.MustRemove {
			snapshot = append(snapshot, s)
		}
	}
	return dependency.OrderOf(snapshot, reverse, keep)
}

// currentWorking resolves the current snapshot, filtered by keep.
func (o *Orchestrator) currentWorking(reverse bool, keep func(*service.Service) bool) ([]*service.Service, error) {
	return dependency.OrderOf(o.st.currentServices, reverse, keep)
}

func needsUpdate(s *service.Service) bool { return s.NeedsUpdate }

func byID(services []*service.Service) map[string]*service.Service {
	out := make(map[string]*service.Service, len(services))
	for _, s := range services {
		out[s.ID] = s
	}
	return out
}

// =============================================================================
// ENVIRONMENT AND SETUP
// =============================================================================

func (o *Orchestrator) copyEnv(context.Context) error {
	for _, s := range o.st.services {
		if s.MustRemove {
			continue
		}
		if err := o.deps.Env.Copy(s); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) restoreEnv(context.Context) error {
	return o.deps.Env.Restore()
}

// rollOut runs setup for every service needing an update, in dependency
// order, then the post-install command.
func (o *Orchestrator) rollOut(ctx context.Context) error {
	order, err := o.latestWorking(false, needsUpdate)
	if err != nil {
		return err
	}

	running := map[string]bool{}
	if o.deps.Containers != nil {
		statuses, err := o.deps.Containers.ProbeVersions(ctx, order)
		if err != nil {
			return err
		}
		for id, st := range statuses {
			if s, ok := o.planned(id); ok && st.Running && st.Version != "" && version.Equal(st.Version, s.Version) {
				running[id] = true
			}
		}
	}

	for _, s := range order {
		if running[s.ID] {
			o.logger.Info("Container already runs the target version, skipping setup", "service", s.ID, "version", s.Version)
			continue
		}
		o.st.setUp = append(o.st.setUp, s)
		if err := o.deps.Scripts.Run(ctx, s, service.ActionSetup); err != nil {
			return err
		}
	}

	if o.cfg.PostInstallCommand == "" {
		return nil
	}
	root, err := o.deps.Assets.RequireRoleRoot(o.st.latest)
	if err != nil {
		return err
	}
	if err := o.deps.Scripts.Shell(ctx, root, o.cfg.PostInstallCommand); err != nil {
		o.logger.Error("Post-install command failed", "command", o.cfg.PostInstallCommand, "stderr", util.ExtractStderr(err))
		return fmt.Errorf("post-install: %w", err)
	}
	return nil
}

func (o *Orchestrator) undoRollOut(ctx context.Context) error {
	return o.eachReverse(ctx, o.st.setUp, service.ActionTeardown)
}

// =============================================================================
// MIGRATIONS
// =============================================================================

func (o *Orchestrator) migrate(ctx context.Context) error {
	targets := service.Filter(o.st.services, func(s *service.Service) bool {
		return s.NeedsUpdate && !s.MustRemove
	})
	if err := o.deps.Migrations.CollectMigrations(ctx, targets, byID(o.st.currentServices)); err != nil {
		return err
	}
	return o.deps.Migrations.Apply(ctx)
}

func (o *Orchestrator) unmigrate(ctx context.Context) error {
	return o.deps.Migrations.Rollback(ctx)
}

// =============================================================================
// STOP, SWITCH, START
// =============================================================================

// stopCurrent stops current services that change or go away, in reverse
// dependency order.
func (o *Orchestrator) stopCurrent(ctx context.Context) error {
	order, err := o.currentWorking(true, func(c *service.Service) bool {
		p, ok := o.planned(c.ID)
		return ok && (p.NeedsUpdate || p.MustRemove)
	})
	if err != nil {
		return err
	}
	for _, s := range order {
		o.st.stopped = append(o.st.stopped, s)
		if err := o.deps.Scripts.Run(ctx, s, service.ActionStop); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) restartCurrent(ctx context.Context) error {
	return o.eachReverse(ctx, o.st.stopped, service.ActionStart)
}

func (o *Orchestrator) switchVersions(context.Context) error {
	for _, s := range o.st.services {
		if s.MustRemove {
			continue
		}
		prev, had, err := o.deps.Activation.Active(s.Key)
		if err != nil {
			return err
		}
		o.st.switched = append(o.st.switched, switchRecord{svc: s, previous: prev, hadLink: had})
		if err := o.deps.Activation.SwitchToVersion(s.Key, s.Dir); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) switchBack(context.Context) error {
	return o.restoreLinks(o.st.switched)
}

func (o *Orchestrator) startLatest(ctx context.Context) error {
	order, err := o.latestWorking(false, needsUpdate)
	if err != nil {
		return err
	}
	for _, s := range order {
		o.st.started = append(o.st.started, s)
		if err := o.deps.Scripts.Run(ctx, s, service.ActionStart); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) stopLatest(ctx context.Context) error {
	return o.eachReverse(ctx, o.st.started, service.ActionStop)
}

// =============================================================================
// PRUNE AND FINALIZE
// =============================================================================

// pruneRemoved tears down services the latest release dropped, in reverse
// dependency order, and removes their activation links.
func (o *Orchestrator) pruneRemoved(ctx context.Context) error {
	order, err := o.currentWorking(true, func(c *service.Service) bool {
		p, ok := o.planned(c.ID)
		return ok && p.MustRemove
	})
	if err != nil {
		return err
	}
	for _, s := range order {
		prev, had, err := o.deps.Activation.Active(s.Key)
		if err != nil {
			return err
		}
		o.st.pruned = append(o.st.pruned, switchRecord{svc: s, previous: prev, hadLink: had})
		if err := o.deps.Scripts.Run(ctx, s, service.ActionTeardown); err != nil {
			return err
		}
		if err := o.deps.Activation.Deactivate(s.Key); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) restorePruned(ctx context.Context) error {
	var errs []error
	if err := o.restoreLinks(o.st.pruned); err != nil {
		errs = append(errs, err)
	}
	for i := len(o.st.pruned) - 1; i >= 0; i-- {
		s := o.st.pruned[i].svc
		if err := o.deps.Scripts.Run(ctx, s, service.ActionSetup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) finalize(ctx context.Context) error {
	if o.deps.Records == nil {
		return nil
	}
	snap, err := o.deps.Records.Snapshot(ctx)
	if err != nil {
		return err
	}
	o.st.records = snap

	versions := make(map[string]string)
	for _, s := range o.st.services {
		if !s.MustRemove {
			versions[s.ID] = s.Version
		}
	}
	return o.deps.Records.Commit(ctx, o.st.latest, versions)
}

func (o *Orchestrator) unfinalize(ctx context.Context) error {
	if o.deps.Records == nil {
		return nil
	}
	return o.deps.Records.Restore(ctx, o.st.records)
}

// =============================================================================
// HELPERS
// =============================================================================

// eachReverse runs action for services from last to first. Every service
// is attempted; failures are joined.
func (o *Orchestrator) eachReverse(ctx context.Context, services []*service.Service, action service.Action) error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		if err := o.deps.Scripts.Run(ctx, services[i], action); err != nil {
			o.logger.Warn("Compensating action failed", "service", services[i].ID, "action", string(action), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// restoreLinks puts activation links back as recorded, last first.
func (o *Orchestrator) restoreLinks(records []switchRecord) error {
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		var err error
		if r.hadLink {
			err = o.deps.Activation.SwitchToVersion(r.svc.Key, r.previous)
		} else {
			err = o.deps.Activation.Deactivate(r.svc.Key)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
