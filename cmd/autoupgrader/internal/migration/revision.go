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
	"sort"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// BaseRevision is the implicit root of every revision forest.
const BaseRevision = "0.0.0"

// Action mutates a service's store for one direction of a revision.
type Action func(ctx context.Context, store kvstore.Store) error

// Revision is one migration unit.
type Revision struct {
	// ID is unique within the set.
	ID string

	// DownRevision is the parent id. Empty or BaseRevision means root.
	DownRevision string

	Description string

	Rollout  Action
	Rollback Action

	// Origin names where the revision came from, for error messages.
	Origin string
}

// Parent returns the parent id, BaseRevision for roots.
func (r *Revision) Parent() string {
	if r.DownRevision == "" {
		return BaseRevision
	}
	return r.DownRevision
}

// Source discovers the revisions of one migration set.
type Source interface {
	Revisions() ([]*Revision, error)
}

// StaticSource is a compiled-in revision set.
type StaticSource []*Revision

// Revisions implements Source.
func (s StaticSource) Revisions() ([]*Revision, error) {
	return s, nil
}

// Graph is a validated, linearized revision set.
type Graph struct {
	byID   map[string]*Revision
	sorted []*Revision
	index  map[string]int
}

// BuildGraph validates revs and sorts them ancestors first.
//
// # Description
//
// Validation happens before anything can run, so a broken set never
// partially applies:
//
//   - empty id, the reserved base id, or a missing action: MalformedMigrationFile
//   - duplicate id: MalformedMigrationFile
//   - self-referencing parent or a parent cycle: InvalidRevisionLink
//   - parent id not in the set: RevisionNotFound
//
// Roots are visited in id order, so the linearization is deterministic.
func BuildGraph(revs []*Revision) (*Graph, error) {
	byID := make(map[string]*Revision, len(revs))
	for _, r := range revs {
		switch {
		case r.ID == "":
			return nil, util.NewError(util.KindMalformedMigrationFile, "%s: revision id is empty", r.Origin)
		case r.ID == BaseRevision:
			return nil, util.NewError(util.KindMalformedMigrationFile, "%s: revision id %s is reserved", r.Origin, BaseRevision)
		case r.Rollout == nil || r.Rollback == nil:
			return nil, util.NewError(util.KindMalformedMigrationFile, "%s: revision %s needs both rollout and rollback", r.Origin, r.ID)
		}
		if prev, dup := byID[r.ID]; dup {
			return nil, util.NewError(util.KindMalformedMigrationFile, "revision %s declared by both %s and %s", r.ID, prev.Origin, r.Origin)
		}
		if r.DownRevision == r.ID {
			return nil, util.NewError(util.KindInvalidRevisionLink, "%s: revision %s names itself as down revision", r.Origin, r.ID)
		}
		byID[r.ID] = r
	}
	for _, r := range revs {
		if p := r.Parent(); p != BaseRevision {
			if _, ok := byID[p]; !ok {
				return nil, util.NewError(util.KindRevisionNotFound, "%s: down revision %s of %s does not exist", r.Origin, p, r.ID)
			}
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sorted, err := linearize(byID, ids)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(sorted))
	for i, r := range sorted {
		index[r.ID] = i
	}
	return &Graph{byID: byID, sorted: sorted, index: index}, nil
}

// linearize is an iterative depth-first visit that emits each revision
// after its parent. A parent found on the current path is a cycle.
func linearize(byID map[string]*Revision, ids []string) ([]*Revision, error) {
	const (
		unseen = iota
		onPath
		done
	)
	state := make(map[string]int, len(ids))
	sorted := make([]*Revision, 0, len(ids))

	for _, id := range ids {
		if state[id] == done {
			continue
		}
		stack := []string{id}
		state[id] = onPath
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			if p := byID[cur].Parent(); p != BaseRevision {
				switch state[p] {
				case unseen:
					state[p] = onPath
					stack = append(stack, p)
					continue
				case onPath:
					return nil, util.NewError(util.KindInvalidRevisionLink, "revision cycle through %s and %s", cur, p)
				}
			}
			stack = stack[:len(stack)-1]
			state[cur] = done
			sorted = append(sorted, byID[cur])
		}
	}
	return sorted, nil
}

// Sorted returns the linearized revisions, ancestors first.
func (g *Graph) Sorted() []*Revision {
	return g.sorted
}

// Head returns the last revision id, or BaseRevision for an empty set.
func (g *Graph) Head() string {
	if len(g.sorted) == 0 {
		return BaseRevision
	}
	return g.sorted[len(g.sorted)-1].ID
}

// Position returns the index of id in Sorted. BaseRevision is -1.
func (g *Graph) Position(id string) (int, error) {
	if id == BaseRevision {
		return -1, nil
	}
	i, ok := g.index[id]
	if !ok {
		return 0, util.NewError(util.KindRevisionNotFound, "revision %s is not in the migration set", id)
	}
	return i, nil
}

// Get returns the revision with id.
func (g *Graph) Get(id string) (*Revision, bool) {
	r, ok := g.byID[id]
	return r, ok
}

func (g *Graph) String() string {
	return fmt.Sprintf("%d revisions, head %s", len(g.sorted), g.Head())
}
