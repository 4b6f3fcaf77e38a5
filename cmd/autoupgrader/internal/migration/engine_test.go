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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// recorder builds revisions whose actions log "<dir>:<id>".
type recorder struct {
	calls []string
}

func (r *recorder) rev(id, down string) *Revision {
	return &Revision{
		ID:           id,
		DownRevision: down,
		Origin:       id + ".yaml",
		Rollout: func(ctx context.Context, store kvstore.Store) error {
			r.calls = append(r.calls, "up:"+id)
			return store.Set(ctx, "data:"+id, "present")
		},
		Rollback: func(ctx context.Context, store kvstore.Store) error {
			r.calls = append(r.calls, "down:"+id)
			return store.Delete(ctx, "data:"+id)
		},
	}
}

func memStore(t *testing.T) kvstore.Store {
	t.Helper()
	s, err := kvstore.OpenBadger(kvstore.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func get(t *testing.T, s kvstore.Store, key string) string {
	t.Helper()
	v, _, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func TestKVEngine_RevisionChain(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	store := memStore(t)
	engine := NewKVEngine(KVEngineConfig{
		Name:   "redis",
		Store:  store,
		Source: StaticSource{rec.rev("003", "002"), rec.rev("001", ""), rec.rev("002", "001")},
	})

	require.NoError(t, engine.Apply(ctx))
	assert.Equal(t, []string{"up:001", "up:002", "up:003"}, rec.calls)
	assert.Equal(t, "003", get(t, store, VersionKey))
	for _, id := range []string{"001", "002", "003"} {
		assert.Equal(t, ModeNew, get(t, store, ModeKey(id)))
	}
	target, ok := engine.Target()
	require.True(t, ok)
	assert.Equal(t, BaseRevision, target)

	rec.calls = nil
	require.NoError(t, engine.Rollback(ctx))
	assert.Equal(t, []string{"down:003", "down:002", "down:001"}, rec.calls)
	assert.Equal(t, BaseRevision, get(t, store, VersionKey))
	// Each reverted revision is left dual; the revision it fell back to is legacy.
	for _, id := range []string{"001", "002", "003"} {
		assert.Equal(t, ModeDual, get(t, store, ModeKey(id)))
	}
	assert.Equal(t, ModeLegacy, get(t, store, ModeKey(BaseRevision)))
	assert.Empty(t, get(t, store, "data:001"))
}

func TestKVEngine_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	store := memStore(t)
	engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: StaticSource{rec.rev("001", ""), rec.rev("002", "001")}})

	require.NoError(t, engine.Apply(ctx))
	require.Len(t, rec.calls, 2)

	rec.calls = nil
	require.NoError(t, engine.Apply(ctx))
	assert.Empty(t, rec.calls)

	// The second Apply started at the head, so rollback has nothing to do.
	require.NoError(t, engine.Rollback(ctx))
	assert.Empty(t, rec.calls)
	assert.Equal(t, "002", get(t, store, VersionKey))
}

func TestKVEngine_ResumesFromStoredVersion(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	store := memStore(t)
	require.NoError(t, store.Set(ctx, VersionKey, "001"))

	engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: StaticSource{rec.rev("001", ""), rec.rev("002", "001"), rec.rev("003", "002")}})
	require.NoError(t, engine.Apply(ctx))
	assert.Equal(t, []string{"up:002", "up:003"}, rec.calls)

	rec.calls = nil
	require.NoError(t, engine.Rollback(ctx))
	assert.Equal(t, []string{"down:003", "down:002"}, rec.calls)
	assert.Equal(t, "001", get(t, store, VersionKey))
	assert.Equal(t, ModeLegacy, get(t, store, ModeKey("001")))
	assert.Equal(t, ModeDual, get(t, store, ModeKey("002")))
	assert.Equal(t, ModeDual, get(t, store, ModeKey("003")))
}

func TestKVEngine_RollbackWithoutApply(t *testing.T) {
	rec := &recorder{}
	store := memStore(t)
	engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: StaticSource{rec.rev("001", "")}})
	require.NoError(t, engine.Rollback(context.Background()))
	assert.Empty(t, rec.calls)
}

func TestKVEngine_GoalBehindWalksBackward(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	store := memStore(t)
	require.NoError(t, store.Set(ctx, VersionKey, "003"))

	engine := NewKVEngine(KVEngineConfig{
		Name:   "svc",
		Store:  store,
		Source: StaticSource{rec.rev("001", ""), rec.rev("002", "001"), rec.rev("003", "002")},
		Goal:   "001",
	})
	require.NoError(t, engine.Apply(ctx))
	assert.Equal(t, []string{"down:003", "down:002"}, rec.calls)
	assert.Equal(t, "001", get(t, store, VersionKey))

	rec.calls = nil
	require.NoError(t, engine.Rollback(ctx))
	assert.Equal(t, []string{"up:002", "up:003"}, rec.calls)
	assert.Equal(t, "003", get(t, store, VersionKey))
}

func TestKVEngine_UnknownStoredVersion(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	store := memStore(t)
	require.NoError(t, store.Set(ctx, VersionKey, "999"))

	engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: StaticSource{rec.rev("001", "")}})
	err := engine.Apply(ctx)
	require.Error(t, err)
	assert.Equal(t, util.KindRevisionNotFound, util.KindOf(err))
	assert.Empty(t, rec.calls)
}

func TestBuildGraph_Validation(t *testing.T) {
	rec := &recorder{}
	tests := []struct {
		name string
		revs []*Revision
		kind util.Kind
	}{
		{"self loop", []*Revision{rec.rev("001", "001")}, util.KindInvalidRevisionLink},
		{"down revision not found", []*Revision{rec.rev("001", ""), rec.rev("002", "000")}, util.KindRevisionNotFound},
		{"cycle", []*Revision{rec.rev("001", "003"), rec.rev("002", "001"), rec.rev("003", "002")}, util.KindInvalidRevisionLink},
		{"duplicate", []*Revision{rec.rev("001", ""), rec.rev("001", "")}, util.KindMalformedMigrationFile},
		{"empty id", []*Revision{rec.rev("", "")}, util.KindMalformedMigrationFile},
		{"reserved id", []*Revision{rec.rev(BaseRevision, "")}, util.KindMalformedMigrationFile},
		{"missing action", []*Revision{{ID: "001", Rollout: rec.rev("x", "").Rollout}}, util.KindMalformedMigrationFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.revs)
			require.Error(t, err)
			assert.Equal(t, tt.kind, util.KindOf(err))
		})
	}
	assert.Empty(t, rec.calls)
}

func TestBuildGraph_Branching(t *testing.T) {
	rec := &recorder{}
	g, err := BuildGraph([]*Revision{
		rec.rev("b2", "b1"), rec.rev("a1", ""), rec.rev("b1", "a1"), rec.rev("c1", "a1"), rec.rev("z1", ""),
	})
	require.NoError(t, err)

	pos := map[string]int{}
	for i, r := range g.Sorted() {
		pos[r.ID] = i
	}
	require.Len(t, pos, 5)
	assert.Less(t, pos["a1"], pos["b1"])
	assert.Less(t, pos["b1"], pos["b2"])
	assert.Less(t, pos["a1"], pos["c1"])
	assert.Equal(t, g.Sorted()[len(g.Sorted())-1].ID, g.Head())

	empty, err := BuildGraph(nil)
	require.NoError(t, err)
	assert.Equal(t, BaseRevision, empty.Head())
}

func TestBuildGraph_LongChainIsIterative(t *testing.T) {
	rec := &recorder{}
	var revs []*Revision
	prev := ""
	// Descending ids make the deepest revision the first one visited.
	for i := 0; i < 20000; i++ {
		id := "r" + itoa(19999-i)
		revs = append(revs, rec.rev(id, prev))
		prev = id
	}
	g, err := BuildGraph(revs)
	require.NoError(t, err)
	assert.Equal(t, prev, g.Head())
}

func itoa(i int) string {
	return string([]byte{byte('0' + i/10000%10), byte('0' + i/1000%10), byte('0' + i/100%10), byte('0' + i/10%10), byte('0' + i%10)})
}

func writeRevision(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDirSource_Operations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeRevision(t, dir, "001_init.yaml", `
revision: "001"
rollout:
  - set: {key: schema, value: v1}
  - set: {key: "user:1", value: alice}
  - set: {key: "user:2", value: bob}
rollback:
  - delete: {key: schema}
  - delete: {key: "user:1"}
  - delete: {key: "user:2"}
`)
	writeRevision(t, dir, "002_accounts.yml", `
revision: "002"
down_revision: "001"
description: users become accounts
rollout:
  - rename_prefix: {prefix: "user:", to: "account:"}
  - copy: {key: schema, to: schema_previous}
  - set: {key: schema, value: v2}
rollback:
  - rename_prefix: {prefix: "account:", to: "user:"}
  - rename: {key: schema_previous, to: schema}
`)
	writeRevision(t, dir, "notes.txt", "ignored")

	store := memStore(t)
	engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: DirSource{Dir: dir}})
	require.NoError(t, engine.Apply(ctx))

	assert.Equal(t, "002", get(t, store, VersionKey))
	assert.Equal(t, "v2", get(t, store, "schema"))
	assert.Equal(t, "alice", get(t, store, "account:1"))
	assert.Empty(t, get(t, store, "user:1"))

	require.NoError(t, engine.Rollback(ctx))
	assert.Equal(t, BaseRevision, get(t, store, VersionKey))
	keys, err := store.Keys(ctx, "user:")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, get(t, store, "schema"))
}

type fakeRunner struct {
	commands []string
	env      map[string]string
}

func (f *fakeRunner) RunCommand(_ context.Context, _ string, env map[string]string, command string) error {
	f.commands = append(f.commands, command)
	f.env = env
	return nil
}

func TestDirSource_Exec(t *testing.T) {
	dir := t.TempDir()
	writeRevision(t, dir, "001.yaml", `
revision: "001"
rollout:
  - exec: {command: "./reindex.sh up", env: {BATCH: "100"}}
rollback:
  - exec: {command: "./reindex.sh down"}
`)
	runner := &fakeRunner{}
	engine := NewKVEngine(KVEngineConfig{
		Name:   "svc",
		Store:  memStore(t),
		Source: DirSource{Dir: dir, Runner: runner, Env: map[string]string{"STORE_URL": "redis://x"}},
	})
	require.NoError(t, engine.Apply(context.Background()))
	require.NoError(t, engine.Rollback(context.Background()))
	assert.Equal(t, []string{"./reindex.sh up", "./reindex.sh down"}, runner.commands)
	assert.Equal(t, "redis://x", runner.env["STORE_URL"])
}

func TestDirSource_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind util.Kind
	}{
		{"no revision", "rollout: []\nrollback: []\n", util.KindMalformedMigrationFile},
		{"no rollback", "revision: \"001\"\nrollout: []\n", util.KindMalformedMigrationFile},
		{"bad yaml", "revision: [\n", util.KindMalformedMigrationFile},
		{"two ops in one", "revision: \"001\"\nrollout:\n  - {set: {key: a, value: b}, delete: {key: a}}\nrollback: []\n", util.KindMalformedMigrationFile},
		{"self loop", "revision: \"001\"\ndown_revision: \"001\"\nrollout: []\nrollback: []\n", util.KindInvalidRevisionLink},
		{"missing parent", "revision: \"002\"\ndown_revision: \"001\"\nrollout: []\nrollback: []\n", util.KindRevisionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeRevision(t, dir, "001.yaml", tt.body)
			store := memStore(t)
			engine := NewKVEngine(KVEngineConfig{Name: "svc", Store: store, Source: DirSource{Dir: dir}})
			err := engine.Apply(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, util.KindOf(err))
			_, found, _ := store.Get(context.Background(), VersionKey)
			assert.False(t, found, "nothing is written before validation passes")
		})
	}
}

func TestDirSource_MissingDirectory(t *testing.T) {
	_, err := DirSource{Dir: filepath.Join(t.TempDir(), "nope")}.Revisions()
	assert.Equal(t, util.KindMissingDirectory, util.KindOf(err))
}
