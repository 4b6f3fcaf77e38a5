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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// revisionFile is the on-disk shape of one revision.
//
//	revision: "002"
//	down_revision: "001"
//	description: split user hashes
//	rollout:
//	  - rename_prefix: {prefix: "user:", to: "account:"}
//	rollback:
//	  - rename_prefix: {prefix: "account:", to: "user:"}
type revisionFile struct {
	Revision     string `yaml:"revision"`
	DownRevision string `yaml:"down_revision"`
	Description  string `yaml:"description"`
	Rollout      []Op   `yaml:"rollout"`
	Rollback     []Op   `yaml:"rollback"`
}

// DirSource reads revision files (*.yaml, *.yml) from a migration directory.
type DirSource struct {
	Dir string

	// Runner executes exec operations. Nil rejects them at run time.
	Runner CommandRunner

	// Env is passed to exec operations, typically the store location.
	Env map[string]string
}

// Revisions implements Source. Files are read in name order and every
// file is validated before any revision is returned.
func (s DirSource) Revisions() ([]*Revision, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, util.NewPathError(util.KindMissingDirectory, s.Dir, "migration directory does not exist")
		}
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	revs := make([]*Revision, 0, len(names))
	for _, name := range names {
		r, err := s.load(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, nil
}

func (s DirSource) load(path string) (*Revision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapError(util.KindMalformedMigrationFile, err, "read %s", path)
	}
	var f revisionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, util.WrapError(util.KindMalformedMigrationFile, err, "parse %s", path)
	}
	if f.Revision == "" {
		return nil, util.NewPathError(util.KindMalformedMigrationFile, path, "revision is missing")
	}
	if f.Rollout == nil || f.Rollback == nil {
		return nil, util.NewPathError(util.KindMalformedMigrationFile, path, "rollout and rollback are both required")
	}
	for i, op := range append(append([]Op(nil), f.Rollout...), f.Rollback...) {
		if err := op.validate(); err != nil {
			return nil, util.WrapError(util.KindMalformedMigrationFile, err, "%s: operation %d", path, i+1)
		}
	}

	ec := execContext{runner: s.Runner, dir: s.Dir, env: s.Env}
	return &Revision{
		ID:           f.Revision,
		DownRevision: f.DownRevision,
		Description:  f.Description,
		Rollout:      compile(f.Rollout, ec),
		Rollback:     compile(f.Rollback, ec),
		Origin:       path,
	}, nil
}
