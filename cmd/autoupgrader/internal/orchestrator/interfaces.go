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

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/container"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// ReleaseSource finds the newest published release.
type ReleaseSource interface {
	Latest(ctx context.Context) (string, error)
}

// AssetStore manages release trees on disk.
type AssetStore interface {
	Exists(version string) bool
	Pull(ctx context.Context, version string) error
	Remove(version string) error

	// RequireRoleRoot returns the role directory of a release, or a
	// MissingDirectory error.
	RequireRoleRoot(version string) (string, error)
}

// ServiceCatalog loads the services of a release.
type ServiceCatalog interface {
	LoadServices(roleRoot, version string) ([]*service.Service, error)
}

// EnvDistributor installs service environment files.
type EnvDistributor interface {
	Copy(svc *service.Service) error
	Restore() error
}

// Lifecycle runs service actions and free-form shell commands.
type Lifecycle interface {
	Run(ctx context.Context, svc *service.Service, action service.Action) error
	Shell(ctx context.Context, dir, command string) error
}

// Migrator migrates the external stores of services.
type Migrator interface {
	CollectMigrations(ctx context.Context, services []*service.Service, current map[string]*service.Service) error
	Apply(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Activator maintains the activation links of services.
type Activator interface {
	SwitchToVersion(key, targetDir string) error
	Active(key string) (string, bool, error)
	Deactivate(key string) error
	Links() (map[string]string, error)
}

// ContainerProbe reads the versions of running containers.
type ContainerProbe interface {
	ProbeVersions(ctx context.Context, services []*service.Service) (map[string]container.Status, error)
}

// VersionRecords holds the versions of record of the role.
type VersionRecords interface {
	Version(ctx context.Context) (string, error)
	Previous(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (history.Snapshot, error)
	Commit(ctx context.Context, version string, services map[string]string) error
	Restore(ctx context.Context, snap history.Snapshot) error
}
