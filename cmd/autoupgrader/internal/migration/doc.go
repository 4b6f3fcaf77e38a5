// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration applies and rolls back per-service data migrations.
//
// # Overview
//
// Each service that declares a migration type owns a set of revisions.
// A revision names its parent through DownRevision; the set forms a forest
// rooted at the base revision "0.0.0". The engine linearizes the forest
// with a topological sort and walks it forward (rollout) or backward
// (rollback) between the version stored in the service's own store and
// a goal revision.
//
// While a revision is in flight its migration_mode:<rev> key reads "dual".
// A completed rollout leaves "new". Reverting a revision leaves it "dual"
// and marks the revision the store fell back to "legacy".
// Readers of the store use these markers to pick a schema.
//
// # Components
//
//   - Revision, Source: the revision graph and where it comes from
//   - Engine / KVEngine: the per-service state machine
//   - Registry: migration type to store opener
//   - Manager: collects engines for a plan and drives them as a unit
package migration
