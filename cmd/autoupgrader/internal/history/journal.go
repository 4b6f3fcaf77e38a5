// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps the versions of record of a host and a journal of
// upgrade runs in Badger.
//
// Key layout:
//
//	role/<role>/version         active release of the role
//	role/<role>/previous        release active before the last commit
//	service/<role>/<id>         version of record of one service
//	run/<started>-<uuid>        JSON run record
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
)

// DirName is the journal directory inside the state directory.
const DirName = "history"

// runTimeLayout sorts lexically in time order.
const runTimeLayout = "20060102T150405.000000000Z"

// ErrNoRecord is returned when the role has no version of record.
var ErrNoRecord = errors.New("no version of record")

// =============================================================================
// TYPES
// =============================================================================

// Snapshot is the full version-of-record state of one role.
type Snapshot struct {
	Version  string            `json:"version,omitempty"`
	Previous string            `json:"previous,omitempty"`
	Services map[string]string `json:"services,omitempty"`
}

// Outcome of a run.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeUpToDate   Outcome = "up_to_date"
	OutcomeNoArchive  Outcome = "no_archive"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// CompensationRecord is one failed compensation of a run.
type CompensationRecord struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Run is the journal entry of one plan execution.
type Run struct {
	ID            string               `json:"id"`
	Role          string               `json:"role"`
	Direction     string               `json:"direction"`
	From          string               `json:"from,omitempty"`
	To            string               `json:"to,omitempty"`
	Started       time.Time            `json:"started"`
	Finished      time.Time            `json:"finished"`
	Outcome       Outcome              `json:"outcome"`
	Steps         []string             `json:"steps,omitempty"`
	Error         string               `json:"error,omitempty"`
	Compensations []CompensationRecord `json:"compensations,omitempty"`
}

// Journal stores versions of record and runs for one role.
type Journal struct {
	store  *kvstore.BadgerStore
	role   string
	logger *slog.Logger
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// Open opens the journal under <stateDir>/history.
func Open(stateDir, role string, logger *slog.Logger) (*Journal, error) {
	cfg := kvstore.DefaultBadgerConfig(filepath.Join(stateDir, DirName))
	cfg.Logger = logger
	store, err := kvstore.OpenBadger(cfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return New(store, role, logger), nil
}

// New wraps an open Badger store. The journal takes ownership of it.
func New(store *kvstore.BadgerStore, role string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, role: role, logger: logger}
}

// =============================================================================
// VERSIONS OF RECORD
// =============================================================================

func (j *Journal) versionKey() string  { return "role/" + j.role + "/version" }
func (j *Journal) previousKey() string { return "role/" + j.role + "/previous" }
func (j *Journal) servicePrefix() string {
	return "service/" + j.role + "/"
}

// Version returns the active release of the role, or ErrNoRecord.
func (j *Journal) Version(ctx context.Context) (string, error) {
	return j.get(ctx, j.versionKey())
}

// Previous returns the release active before the last commit, or
// ErrNoRecord.
func (j *Journal) Previous(ctx context.Context) (string, error) {
	return j.get(ctx, j.previousKey())
}

func (j *Journal) get(ctx context.Context, key string) (string, error) {
	v, ok, err := j.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", ErrNoRecord
	}
	return v, nil
}

// Snapshot reads the complete version-of-record state.
func (j *Journal) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Services: map[string]string{}}
	prefix := []byte(j.servicePrefix())
	err := j.store.View(ctx, func(txn *badger.Txn) error {
		var err error
		if snap.Version, err = readString(txn, j.versionKey()); err != nil {
			return err
		}
		if snap.Previous, err = readString(txn, j.previousKey()); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(item.Key()), string(prefix))
			snap.Services[id] = string(raw)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read versions of record: %w", err)
	}
	return snap, nil
}

// Commit records version as the active release and services (id to
// version) as the versions of record, in one transaction. The replaced
// release becomes Previous when it differs from version.
func (j *Journal) Commit(ctx context.Context, version string, services map[string]string) error {
	err := j.store.Update(ctx, func(txn *badger.Txn) error {
		old, err := readString(txn, j.versionKey())
		if err != nil {
			return err
		}
		if old != "" && old != version {
			if err := txn.Set([]byte(j.previousKey()), []byte(old)); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(j.versionKey()), []byte(version)); err != nil {
			return err
		}
		return j.replaceServices(txn, services)
	})
	if err != nil {
		return fmt.Errorf("commit versions of record: %w", err)
	}
	j.logger.Info("Committed versions of record", "role", j.role, "version", version, "services", len(services))
	return nil
}

// Restore writes snap back exactly, deleting anything it does not hold.
func (j *Journal) Restore(ctx context.Context, snap Snapshot) error {
	err := j.store.Update(ctx, func(txn *badger.Txn) error {
		if err := setOrDelete(txn, j.versionKey(), snap.Version); err != nil {
			return err
		}
		if err := setOrDelete(txn, j.previousKey(), snap.Previous); err != nil {
			return err
		}
		return j.replaceServices(txn, snap.Services)
	})
	if err != nil {
		return fmt.Errorf("restore versions of record: %w", err)
	}
	return nil
}

func (j *Journal) replaceServices(txn *badger.Txn, services map[string]string) error {
	prefix := []byte(j.servicePrefix())
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var stale [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if _, keep := services[strings.TrimPrefix(string(key), string(prefix))]; !keep {
			stale = append(stale, key)
		}
	}
	it.Close()

	for _, key := range stale {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	for id, v := range services {
		if err := txn.Set([]byte(j.servicePrefix()+id), []byte(v)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

// NewRun starts a run record with a fresh id.
func (j *Journal) NewRun(direction string, now time.Time) *Run {
	return &Run{ID: uuid.NewString(), Role: j.role, Direction: direction, Started: now.UTC()}
}

// RecordRun stores a finished run.
func (j *Journal) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	key := "run/" + run.Started.UTC().Format(runTimeLayout) + "-" + run.ID
	if err := j.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// Runs returns up to limit runs of this role, newest first. limit <= 0
// returns all of them.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	prefix := []byte("run/")
	var runs []Run
	err := j.store.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var run Run
			if err := json.Unmarshal(raw, &run); err != nil {
				j.logger.Warn("Skipping unreadable run record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			if run.Role != j.role {
				continue
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.store.Close()
}

func readString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func setOrDelete(txn *badger.Txn, key, value string) error {
	if value == "" {
		return txn.Delete([]byte(key))
	}
	return txn.Set([]byte(key), []byte(value))
}
