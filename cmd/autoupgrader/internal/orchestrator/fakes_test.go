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
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/artifact"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/container"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// events is the shared, ordered log of every side effect the fakes see.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// matching returns the events starting with one of prefixes.
func (e *events) matching(prefixes ...string) []string {
	var out []string
	for _, ev := range e.all() {
		for _, p := range prefixes {
			if strings.HasPrefix(ev, p) {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// after returns the events following the first occurrence of marker.
func (e *events) after(marker string) []string {
	all := e.all()
	for i, ev := range all {
		if ev == marker {
			return all[i+1:]
		}
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func roleRoot(v string) string { return "/assets/miner-" + v + "/miner" }

func svc(id, v string, deps ...string) *service.Service {
	return &service.Service{
		ID:        id,
		Key:       id,
		Name:      id,
		Version:   v,
		Execution: service.ExecutionProcess,
		DependsOn: deps,
	}
}

type fakeReleases struct{ latest string }

func (f *fakeReleases) Latest(context.Context) (string, error) { return f.latest, nil }

type fakeAssets struct {
	ev         *events
	present    map[string]bool
	failRemove map[string]error

	// missing versions have no archive.
	missing map[string]bool
}

func (f *fakeAssets) Exists(v string) bool { return f.present[v] }

func (f *fakeAssets) Pull(_ context.Context, v string) error {
	f.ev.add("pull %s", v)
	if f.missing[v] {
		return fmt.Errorf("%s: %w", v, artifact.ErrAssetNotFound)
	}
	f.present[v] = true
	return nil
}

func (f *fakeAssets) Remove(v string) error {
	f.ev.add("remove %s", v)
	if err := f.failRemove[v]; err != nil {
		return err
	}
	delete(f.present, v)
	return nil
}

func (f *fakeAssets) RequireRoleRoot(v string) (string, error) {
	if !f.present[v] {
		return "", util.NewPathError(util.KindMissingDirectory, roleRoot(v), "missing")
	}
	return roleRoot(v), nil
}

type fakeCatalog struct{ byVersion map[string][]*service.Service }

func (f *fakeCatalog) LoadServices(root, v string) ([]*service.Service, error) {
	var out []*service.Service
	for _, s := range f.byVersion[v] {
		c := s.Clone()
		c.Dir = root + "/" + c.Key
		out = append(out, c)
	}
	return out, nil
}

type fakeEnv struct{ ev *events }

func (f *fakeEnv) Copy(s *service.Service) error {
	f.ev.add("env %s", s.ID)
	return nil
}

func (f *fakeEnv) Restore() error {
	f.ev.add("restore env")
	return nil
}

type fakeScripts struct {
	ev   *events
	fail map[string]error
}

func (f *fakeScripts) Run(_ context.Context, s *service.Service, action service.Action) error {
	line := fmt.Sprintf("%s %s@%s", action, s.ID, s.Version)
	f.ev.add("%s", line)
	return f.fail[line]
}

func (f *fakeScripts) Shell(_ context.Context, dir, command string) error {
	f.ev.add("shell %s in %s", command, dir)
	return nil
}

type fakeMigrator struct{ ev *events }

func (f *fakeMigrator) CollectMigrations(_ context.Context, services []*service.Service, _ map[string]*service.Service) error {
	ids := service.IDs(services)
	sort.Strings(ids)
	f.ev.add("collect %s", strings.Join(ids, ","))
	return nil
}

func (f *fakeMigrator) Apply(context.Context) error {
	f.ev.add("migrate")
	return nil
}

func (f *fakeMigrator) Rollback(context.Context) error {
	f.ev.add("unmigrate")
	return nil
}

func (f *fakeMigrator) Close() error { return nil }

type fakeActivator struct {
	ev    *events
	links map[string]string
}

func (f *fakeActivator) SwitchToVersion(key, target string) error {
	f.ev.add("link %s -> %s", key, target)
	f.links[key] = target
	return nil
}

func (f *fakeActivator) Active(key string) (string, bool, error) {
	t, ok := f.links[key]
	return t, ok, nil
}

func (f *fakeActivator) Deactivate(key string) error {
	f.ev.add("unlink %s", key)
	delete(f.links, key)
	return nil
}

func (f *fakeActivator) Links() (map[string]string, error) {
	out := make(map[string]string, len(f.links))
	for k, v := range f.links {
		out[k] = v
	}
	return out, nil
}

type fakeContainers struct{ statuses map[string]container.Status }

func (f *fakeContainers) ProbeVersions(_ context.Context, services []*service.Service) (map[string]container.Status, error) {
	out := map[string]container.Status{}
	for _, s := range services {
		if st, ok := f.statuses[s.ID]; ok {
			out[s.ID] = st
		}
	}
	return out, nil
}
