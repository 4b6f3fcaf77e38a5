// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
	"github.com/AleutianAI/autoupgrader/pkg/validation"
)

// ManifestFile is the per-service manifest read from each service directory.
const ManifestFile = "metadata.json"

//go:embed manifest.schema.json
var manifestSchema []byte

// Manifest is the decoded service manifest.
type Manifest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Execution       string   `json:"execution"`
	Container       string   `json:"container"`
	Migration       string   `json:"migration"`
	MigrationType   string   `json:"migration_type"`
	SetupCommand    string   `json:"setup_command"`
	StartCommand    string   `json:"start_command"`
	StopCommand     string   `json:"stop_command"`
	TeardownCommand string   `json:"teardown_command"`
	DependsOn       []string `json:"depends_on"`
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog reads service manifests from a release's role tree.
//
// # Description
//
// The role tree layout is <roleRoot>/<serviceKey>/metadata.json. Entries
// that are not directories, or that carry no manifest, are skipped. A
// manifest that exists but fails schema validation is an error: a corrupt
// release must not be deployed with a service silently missing.
//
// # Thread Safety
//
// Catalog is safe for concurrent use.
type Catalog struct {
	schema *gojsonschema.Schema
	logger *slog.Logger
}

// NewCatalog creates a catalog. A nil logger uses slog.Default().
func NewCatalog(logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return &Catalog{schema: schema, logger: logger}, nil
}

// ListDirectory returns the sorted entry names of path.
func (c *Catalog) ListDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, util.NewPathError(util.KindMissingDirectory, path, "directory does not exist")
		}
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// IsDirectory reports whether path exists and is a directory.
func (c *Catalog) IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// GetMetadata reads the manifest of serviceDir.
//
// # Outputs
//
//   - *Manifest: nil when the directory has no manifest
//   - error: ServicesLoadFailure when the manifest is unreadable or invalid
func (c *Catalog) GetMetadata(serviceDir string) (*Manifest, error) {
	path := filepath.Join(serviceDir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, util.WrapError(util.KindServicesLoadFailure, err, "read manifest %s", path)
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, util.WrapError(util.KindServicesLoadFailure, err, "parse manifest %s", path)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, util.NewError(util.KindServicesLoadFailure, "manifest %s is invalid: %s", path, strings.Join(msgs, "; "))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, util.WrapError(util.KindServicesLoadFailure, err, "decode manifest %s", path)
	}
	return &m, nil
}

// LoadServices builds the services of one release from its role tree.
//
// # Inputs
//
//   - roleRoot: <assetDir>/<role>-<tag>/<role>
//   - version: release version, used for messages only
//
// # Outputs
//
//   - []*Service: one per manifest, sorted by directory name
//   - error: MissingDirectory if roleRoot is absent, ServicesLoadFailure
//     if no service was found, two manifests share an id, or a key or
//     id is not a safe name
func (c *Catalog) LoadServices(roleRoot, version string) ([]*Service, error) {
	if !c.IsDirectory(roleRoot) {
		return nil, util.NewPathError(util.KindMissingDirectory, roleRoot, fmt.Sprintf("role tree for %s not found", version))
	}
	names, err := c.ListDirectory(roleRoot)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var services []*Service
	for _, name := range names {
		dir := filepath.Join(roleRoot, name)
		if !c.IsDirectory(dir) {
			continue
		}
		m, err := c.GetMetadata(dir)
		if err != nil {
			return nil, err
		}
		if m == nil {
			c.logger.Debug("Skipping directory without manifest", "dir", dir)
			continue
		}
		if other, dup := seen[m.ID]; dup {
			return nil, util.NewError(util.KindServicesLoadFailure, "service id %q declared by both %s and %s", m.ID, other, name)
		}
		if err := validation.ValidateNames([]string{name, m.ID}); err != nil {
			return nil, util.WrapError(util.KindServicesLoadFailure, err, "service directory %s", name)
		}
		seen[m.ID] = name
		services = append(services, fromManifest(name, dir, m))
	}

	if len(services) == 0 {
		return nil, util.NewPathError(util.KindServicesLoadFailure, roleRoot, fmt.Sprintf("no services found for version %s", version))
	}
	c.logger.Debug("Loaded services", "version", version, "count", len(services))
	return services, nil
}

func fromManifest(key, dir string, m *Manifest) *Service {
	return &Service{
		ID:              m.ID,
		Key:             key,
		Dir:             dir,
		Name:            m.Name,
		Version:         m.Version,
		Execution:       Execution(m.Execution),
		Container:       m.Container,
		Migration:       m.Migration,
		MigrationType:   m.MigrationType,
		SetupCommand:    m.SetupCommand,
		StartCommand:    m.StartCommand,
		StopCommand:     m.StopCommand,
		TeardownCommand: m.TeardownCommand,
		DependsOn:       append([]string(nil), m.DependsOn...),
		UpgradeType:     UpgradeNone,
	}
}
