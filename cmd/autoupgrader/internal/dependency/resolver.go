// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dependency orders services by their declared dependencies.
package dependency

import (
	"sort"
	"strings"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// =============================================================================
// Resolver
// =============================================================================

// Resolver computes start and stop orders for one release snapshot.
//
// # Description
//
// Resolver runs Kahn's algorithm over the dependency → dependent edges of
// the snapshot. Every service appears after all of its dependencies in the
// forward order; the reverse order is the exact reverse permutation.
//
// # Limitations
//
//   - Order among services that become ready at the same time is
//     unspecified. Callers must rely only on the dependency constraints.
//
// # Assumptions
//
//   - Service ids are unique within the snapshot
type Resolver struct {
	services []*service.Service
}

// NewResolver creates a resolver over a snapshot.
func NewResolver(services []*service.Service) *Resolver {
	return &Resolver{services: services}
}

// ResolveOrder returns the snapshot in dependency order, or its reverse.
//
// # Description
//
// Fails closed: a dependency on an id missing from the snapshot is a
// ServicesLoadFailure, and a cycle is a CyclicDependency error. No partial
// order is ever returned.
//
// # Inputs
//
//   - reverse: false for setup/start order, true for stop/teardown order
//
// # Outputs
//
//   - []*service.Service: every service exactly once
//   - error: non-nil on unknown dependency or cycle
//
// # Example
//
//	order, err := dependency.NewResolver(latest).ResolveOrder(false)
//	if err != nil {
//	    return err
//	}
//	for _, svc := range order {
//	    start(svc)
//	}
func (r *Resolver) ResolveOrder(reverse bool) ([]*service.Service, error) {
	byID := make(map[string]*service.Service, len(r.services))
	for _, s := range r.services {
		byID[s.ID] = s
	}

	inDegree := make(map[string]int, len(r.services))
	dependents := make(map[string][]string, len(r.services))
	for _, s := range r.services {
		if _, ok := inDegree[s.ID]; !ok {
			inDegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, util.NewError(util.KindServicesLoadFailure,
					"service %q depends on unknown service %q", s.ID, dep)
			}
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(r.services))
	for _, s := range r.services {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]*service.Service, 0, len(r.services))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < len(r.services) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, util.NewError(util.KindCyclicDependency,
			"dependency cycle among services: %s", strings.Join(stuck, ", "))
	}

	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	return order, nil
}

// OrderOf resolves the full snapshot and keeps only the services selected
// by keep, preserving the resolved order.
//
// # Description
//
// Ordering a subset on its own would drop edges through services outside
// the subset, so the whole snapshot is always resolved first.
func OrderOf(snapshot []*service.Service, reverse bool, keep func(*service.Service) bool) ([]*service.Service, error) {
	order, err := NewResolver(snapshot).ResolveOrder(reverse)
	if err != nil {
		return nil, err
	}
	return service.Filter(order, keep), nil
}
