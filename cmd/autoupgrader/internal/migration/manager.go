// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// =============================================================================
// Manager
// =============================================================================

// Manager drives the migration engines of one plan as a unit.
//
// # Description
//
// CollectMigrations builds one engine per service with a migration type.
// Apply runs them in collection order and stops at the first failure.
// Rollback runs every collected engine in reverse order and keeps going
// past failures, returning them joined.
//
// # Example
//
//	mgr := migration.NewManager(migration.DefaultRegistry(dataRoot, logger), runner, logger)
//	defer mgr.Close()
//	if err := mgr.CollectMigrations(ctx, ordered, current); err != nil {
//	    return err
//	}
//	if err := mgr.Apply(ctx); err != nil {
//	    return err // caller compensates with mgr.Rollback
//	}
//
// # Thread Safety
//
// Manager is safe for concurrent use, but a plan drives it from one
// goroutine.
type Manager struct {
	registry *Registry
	runner   CommandRunner
	logger   *slog.Logger

	mu      sync.Mutex
	engines []Engine
}

// NewManager creates a manager. runner may be nil when no migration file
// uses exec operations. A nil registry means DefaultRegistry without a data
// root, so badger stores need an absolute BADGER_DIR.
func NewManager(registry *Registry, runner CommandRunner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = DefaultRegistry("", logger)
	}
	return &Manager{registry: registry, runner: runner, logger: logger}
}

// CollectMigrations replaces the collected engines with one per service
// in services that declares a migration type.
//
// # Inputs
//
//   - services: services to migrate, in the order Apply should run them
//   - current: the running release's services by id. A downgraded
//     service migrates with the current release's revision set, back to
//     the head of its own set.
//
// # Outputs
//
//   - error: UnsupportedMigrationType before any store is opened, or the
//     first store or revision discovery failure
func (m *Manager) CollectMigrations(ctx context.Context, services []*service.Service, current map[string]*service.Service) error {
	if err := m.Close(); err != nil {
		m.logger.Warn("Closing previous migration stores failed", "error", err)
	}

	selected := service.Filter(services, (*service.Service).HasMigrations)
	openers := make([]Opener, len(selected))
	for i, svc := range selected {
		opener, err := m.registry.Lookup(svc.MigrationType)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.ID, err)
		}
		openers[i] = opener
	}

	engines := make([]Engine, 0, len(selected))
	for i, svc := range selected {
		engine, err := m.build(ctx, svc, current[svc.ID], openers[i])
		if err != nil {
			for _, e := range engines {
				_ = e.Close()
			}
			return fmt.Errorf("service %s: %w", svc.ID, err)
		}
		engines = append(engines, engine)
	}

	m.use(engines)
	m.logger.Info("Collected migrations", "count", len(engines))
	return nil
}

func (m *Manager) build(ctx context.Context, svc, previous *service.Service, opener Opener) (Engine, error) {
	dir := svc.MigrationDir()
	if dir == "" {
		return nil, util.NewError(util.KindMissingDirectory, "migration type %q set without a migration directory", svc.MigrationType)
	}

	env, err := ReadServiceEnv(svc)
	if err != nil {
		return nil, err
	}
	store, execEnv, err := opener(ctx, svc, env)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", svc.MigrationType, err)
	}

	source := DirSource{Dir: dir, Runner: m.runner, Env: execEnv}
	goal := ""
	if svc.UpgradeType == service.UpgradeDowngrade && previous != nil && previous.MigrationDir() != "" {
		revs, err := source.Revisions()
		if err == nil {
			var g *Graph
			if g, err = BuildGraph(revs); err == nil {
				goal = g.Head()
			}
		}
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		source = DirSource{Dir: previous.MigrationDir(), Runner: m.runner, Env: execEnv}
		m.logger.Info("Downgrade migrates with the running release's revisions", "service", svc.ID, "goal", goal)
	}

	return NewKVEngine(KVEngineConfig{
		Name:   svc.ID,
		Store:  store,
		Source: source,
		Goal:   goal,
		Logger: m.logger,
	}), nil
}

// use replaces the collected engines.
func (m *Manager) use(engines []Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines = engines
}

// Engines returns the collected engines in collection order.
func (m *Manager) Engines() []Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Engine(nil), m.engines...)
}

// Apply runs every engine's Apply in collection order.
func (m *Manager) Apply(ctx context.Context) error {
	for _, e := range m.Engines() {
		if err := e.Apply(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Rollback runs every engine's Rollback in reverse collection order.
func (m *Manager) Rollback(ctx context.Context) error {
	engines := m.Engines()
	var errs []error
	for i := len(engines) - 1; i >= 0; i-- {
		if err := engines[i].Rollback(ctx); err != nil {
			m.logger.Error("Migration rollback failed", "engine", engines[i].Name(), "error", err)
			errs = append(errs, fmt.Errorf("roll back %s: %w", engines[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every engine's store and forgets the engines.
func (m *Manager) Close() error {
	m.mu.Lock()
	engines := m.engines
	m.engines = nil
	m.mu.Unlock()

	var errs []error
	for _, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
