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
	"path/filepath"
)

// Execution is how a service runs on the host.
type Execution string

const (
	ExecutionProcess   Execution = "process"
	ExecutionContainer Execution = "container"
	ExecutionService   Execution = "service"
)

// UpgradeType is the planned transition of one service.
type UpgradeType string

const (
	UpgradeNone      UpgradeType = "none"
	UpgradeInstall   UpgradeType = "install"
	UpgradeUpgrade   UpgradeType = "upgrade"
	UpgradeDowngrade UpgradeType = "downgrade"
)

// Action names one lifecycle action of a service.
type Action string

const (
	ActionSetup    Action = "setup"
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionTeardown Action = "teardown"
)

// Service is one deployable unit of a release.
//
// # Description
//
// Identity and lifecycle fields come from the service manifest. The
// planning fields (NeedsUpdate, MustRemove, UpgradeType, RollbackVersion)
// are set by the orchestrator's diff and read by every later step.
type Service struct {
	// ID is stable across releases and unique within one release.
	ID string

	// Key is the directory name of the service inside the role tree.
	Key string

	// Dir is the absolute path of the service directory.
	Dir string

	Name      string
	Version   string
	Execution Execution

	// Container is the container name probed for a running version.
	// Empty means Key.
	Container string

	// Migration is the migration directory, relative to Dir.
	Migration string

	// MigrationType selects the migration engine. Empty means none.
	MigrationType string

	SetupCommand    string
	StartCommand    string
	StopCommand     string
	TeardownCommand string

	DependsOn []string

	NeedsUpdate     bool
	MustRemove      bool
	UpgradeType     UpgradeType
	RollbackVersion string
}

// Command returns the manifest command for an action, or "".
func (s *Service) Command(action Action) string {
	switch action {
	case ActionSetup:
		return s.SetupCommand
	case ActionStart:
		return s.StartCommand
	case ActionStop:
		return s.StopCommand
	case ActionTeardown:
		return s.TeardownCommand
	}
	return ""
}

// MigrationDir returns the absolute migration directory, or "" when the
// service declares none.
func (s *Service) MigrationDir() string {
	if s.Migration == "" {
		return ""
	}
	if filepath.IsAbs(s.Migration) {
		return s.Migration
	}
	return filepath.Join(s.Dir, s.Migration)
}

// ContainerName returns the container probed for this service.
func (s *Service) ContainerName() string {
	if s.Container != "" {
		return s.Container
	}
	return s.Key
}

// HasMigrations reports whether the service owns a migration set.
func (s *Service) HasMigrations() bool {
	return s.MigrationType != ""
}

// Clone returns a copy that does not share slices with s.
func (s *Service) Clone() *Service {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return &c
}

// IDs returns the ids of services in order.
func IDs(services []*Service) []string {
	ids := make([]string, len(services))
	for i, s := range services {
		ids[i] = s.ID
	}
	return ids
}

// Filter returns the services for which keep returns true, preserving order.
func Filter(services []*Service, keep func(*Service) bool) []*Service {
	var out []*Service
	for _, s := range services {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
