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
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
)

const (
	// VersionKey holds the current applied revision.
	VersionKey = "version"

	// ModeKeyPrefix prefixes the per-revision migration mode marker.
	ModeKeyPrefix = "migration_mode:"

	ModeDual   = "dual"
	ModeNew    = "new"
	ModeLegacy = "legacy"
)

// ModeKey returns the migration mode key of a revision.
func ModeKey(rev string) string {
	return ModeKeyPrefix + rev
}

// Engine migrates one service's store.
type Engine interface {
	// Name identifies the engine in logs, usually the service id.
	Name() string

	// Apply moves the store to the engine's goal revision and remembers
	// where it started.
	Apply(ctx context.Context) error

	// Rollback returns the store to where the last Apply started.
	Rollback(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// KVEngineConfig configures a KVEngine.
type KVEngineConfig struct {
	Name   string
	Store  kvstore.Store
	Source Source

	// Goal is the revision Apply moves to. Empty means the head of the
	// set. A goal behind the stored version walks backward, which is how
	// downgrades run.
	Goal string

	Logger *slog.Logger
}

// KVEngine is the revision state machine for a key-value store.
//
// # Description
//
// States are revision ids plus BaseRevision. Forward over revision r:
//
//  1. migration_mode:r = dual
//  2. run r.Rollout
//  3. version = r
//  4. migration_mode:r = new
//
// Backward over r:
//
//  1. migration_mode:r = dual
//  2. run r.Rollback
//  3. version = parent(r)
//  4. migration_mode:parent(r) = legacy
//
// # Thread Safety
//
// KVEngine is safe for concurrent use; calls are serialized.
type KVEngine struct {
	cfg KVEngineConfig

	mu        sync.Mutex
	graph     *Graph
	target    string
	hasTarget bool
}

var _ Engine = (*KVEngine)(nil)

// NewKVEngine creates an engine. Revisions are not read until Apply or
// Rollback.
func NewKVEngine(cfg KVEngineConfig) *KVEngine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("engine", cfg.Name)
	return &KVEngine{cfg: cfg}
}

// Name implements Engine.
func (e *KVEngine) Name() string {
	return e.cfg.Name
}

// Apply implements Engine.
func (e *KVEngine) Apply(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(); err != nil {
		return err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	goal := e.cfg.Goal
	if goal == "" {
		goal = e.graph.Head()
	}

	e.target, e.hasTarget = current, true
	if current == goal {
		e.cfg.Logger.Debug("Store already at goal revision", "revision", current)
		return nil
	}
	e.cfg.Logger.Info("Migrating store", "from", current, "to", goal)
	return e.walk(ctx, current, goal)
}

// Rollback implements Engine.
func (e *KVEngine) Rollback(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasTarget {
		e.cfg.Logger.Debug("Nothing to roll back")
		return nil
	}
	if err := e.load(); err != nil {
		return err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == e.target {
		return nil
	}
	e.cfg.Logger.Info("Rolling back store", "from", current, "to", e.target)
	return e.walk(ctx, current, e.target)
}

// Close implements Engine.
func (e *KVEngine) Close() error {
	if e.cfg.Store == nil {
		return nil
	}
	return e.cfg.Store.Close()
}

// CurrentVersion reads the stored revision. An absent key is the base.
func (e *KVEngine) CurrentVersion(ctx context.Context) (string, error) {
	v, found, err := e.cfg.Store.Get(ctx, VersionKey)
	if err != nil {
		return "", fmt.Errorf("read stored version: %w", err)
	}
	if !found || v == "" {
		return BaseRevision, nil
	}
	return v, nil
}

// Target returns the version the next Rollback returns to.
func (e *KVEngine) Target() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target, e.hasTarget
}

func (e *KVEngine) load() error {
	if e.graph != nil {
		return nil
	}
	revs, err := e.cfg.Source.Revisions()
	if err != nil {
		return err
	}
	g, err := BuildGraph(revs)
	if err != nil {
		return err
	}
	e.graph = g
	return nil
}

// walk moves between two positions of the linearized set. Forward covers
// (from, to]; backward covers (to, from] in reverse.
func (e *KVEngine) walk(ctx context.Context, from, to string) error {
	fi, err := e.graph.Position(from)
	if err != nil {
		return err
	}
	ti, err := e.graph.Position(to)
	if err != nil {
		return err
	}
	sorted := e.graph.Sorted()

	for i := fi + 1; i <= ti; i++ {
		if err := e.forward(ctx, sorted[i]); err != nil {
			return err
		}
	}
	for i := fi; i > ti; i-- {
		if err := e.backward(ctx, sorted[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *KVEngine) forward(ctx context.Context, r *Revision) error {
	store := e.cfg.Store
	if err := store.Set(ctx, ModeKey(r.ID), ModeDual); err != nil {
		return err
	}
	if err := r.Rollout(ctx, store); err != nil {
		return fmt.Errorf("rollout of revision %s: %w", r.ID, err)
	}
	if err := store.Set(ctx, VersionKey, r.ID); err != nil {
		return err
	}
	if err := store.Set(ctx, ModeKey(r.ID), ModeNew); err != nil {
		return err
	}
	e.cfg.Logger.Info("Applied revision", "revision", r.ID)
	return nil
}

func (e *KVEngine) backward(ctx context.Context, r *Revision) error {
	store := e.cfg.Store
	if err := store.Set(ctx, ModeKey(r.ID), ModeDual); err != nil {
		return err
	}
	if err := r.Rollback(ctx, store); err != nil {
		return fmt.Errorf("rollback of revision %s: %w", r.ID, err)
	}
	parent := r.Parent()
	if err := store.Set(ctx, VersionKey, parent); err != nil {
		return err
	}
	if err := store.Set(ctx, ModeKey(parent), ModeLegacy); err != nil {
		return err
	}
	e.cfg.Logger.Info("Reverted revision", "revision", r.ID, "version", parent)
	return nil
}
