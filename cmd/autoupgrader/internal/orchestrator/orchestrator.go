// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives an upgrade of one host role as a saga.
//
// # Description
//
// RunPlan executes a fixed sequence of steps. Every step registers its
// compensation before its body runs, so a failure at any point can be
// unwound by RunRollbackPlan in exact reverse order. Steps never run
// concurrently; the only parallel work is the read-only container probe
// inside the roll-out step.
//
// # Steps
//
//  1. get current version
//  2. get latest version
//  3. pull current version (skipped at the baseline version)
//  4. pull latest version
//  5. stop with success when current equals latest, or when the latest
//     release has no archive yet (not recorded)
//  6. load current services (skipped at the baseline version)
//  7. load latest services
//  8. diff services
//  9. copy environment files
//  10. roll out services
//  11. migrate data
//  12. stop current services
//  13. switch versions
//  14. start latest services
//  15. prune removed services
//  16. remove previous version (skipped at the baseline version)
//  17. finalize
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/resilience"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/version"
)

// Step labels as recorded in the compensation log.
const (
	StepGetCurrentVersion = "get current version"
	StepGetLatestVersion  = "get latest version"
	StepPullCurrent       = "pull current version"
	StepPullLatest        = "pull latest version"
	StepLoadCurrent       = "load current services"
	StepLoadLatest        = "load latest services"
	StepDiffServices      = "diff services"
	StepCopyEnv           = "copy environment files"
	StepRollOut           = "roll out services"
	StepMigrate           = "migrate data"
	StepStopCurrent       = "stop current services"
	StepSwitchVersions    = "switch versions"
	StepStartLatest       = "start latest services"
	StepPruneRemoved      = "prune removed services"
	StepRemovePrevious    = "remove previous version"
	StepFinalize          = "finalize"
)

// Direction selects where step 2 looks for the target release.
type Direction string

const (
	// DirectionRollout targets the newest published release.
	DirectionRollout Direction = "rollout"

	// DirectionRollback targets the release active before the last commit.
	DirectionRollback Direction = "rollback"
)

// DefaultBaselineVersion is the release installed before the autoupgrader
// managed the host. Its assets are never pulled or removed.
const DefaultBaselineVersion = "0.0.0"

// ErrNothingToRollBack is returned by a rollback-direction plan when no
// previous release is on record.
var ErrNothingToRollBack = errors.New("no previous release on record")

// =============================================================================
// CONFIG
// =============================================================================

// Config configures an Orchestrator.
type Config struct {
	// Role is the host role, e.g. "miner" or "validator".
	Role string

	// BaselineVersion is the pre-autoupgrader release.
	BaselineVersion string

	// PostInstallCommand runs in the latest role root after setup.
	// Empty disables it.
	PostInstallCommand string

	// Saga configures step timeouts and hooks.
	Saga resilience.SagaConfig

	Logger *slog.Logger
}

// Deps are the collaborators of an Orchestrator. Records and Containers
// may be nil.
type Deps struct {
	Releases   ReleaseSource
	Assets     AssetStore
	Catalog    ServiceCatalog
	Env        EnvDistributor
	Scripts    Lifecycle
	Migrations Migrator
	Activation Activator
	Containers ContainerProbe
	Records    VersionRecords
}

// Result summarizes a plan.
type Result struct {
	Direction Direction
	From      string
	To        string

	// UpToDate is set when the plan stopped because current equals latest.
	UpToDate bool

	// Unavailable is set when the plan stopped because the latest release
	// has no archive yet. Nothing was changed; a later run retries.
	Unavailable bool

	// Services is the working set after the diff.
	Services []*service.Service

	// Steps are the labels recorded by the plan, oldest first.
	Steps []string
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs upgrade plans. It is not safe for concurrent use; one
// plan runs at a time.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	saga   *resilience.Saga
	logger *slog.Logger

	st *planState
}

// planState is the data passed between the steps of one plan.
type planState struct {
	direction Direction
	current   string
	latest    string

	latestPresent bool

	// latestMissing is set when the latest release has no archive.
	latestMissing bool

	currentServices []*service.Service
	latestServices  []*service.Service
	services        []*service.Service

	setUp    []*service.Service
	stopped  []*service.Service
	switched []switchRecord
	started  []*service.Service
	pruned   []switchRecord

	records history.Snapshot
}

type switchRecord struct {
	svc      *service.Service
	previous string
	hadLink  bool
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaselineVersion == "" {
		cfg.BaselineVersion = DefaultBaselineVersion
	}
	if cfg.Saga.Logger == nil {
		cfg.Saga.Logger = cfg.Logger
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		saga:   resilience.NewSaga(cfg.Saga),
		logger: cfg.Logger.With("role", cfg.Role),
	}
}

// Recorded returns the step labels in the compensation log, oldest first.
func (o *Orchestrator) Recorded() []string {
	return o.saga.Recorded()
}

// RunPlan executes the upgrade plan.
//
// # Description
//
// The compensation log is cleared first. On error the log holds every
// step that was started, and the caller is expected to call
// RunRollbackPlan.
//
// # Inputs
//
//   - ctx: bounds the whole plan. Cancellation stops the plan before the
//     next step; the interrupted step stays recorded.
//   - direction: where the target release comes from
//
// # Outputs
//
//   - *Result: versions and working set, also on error when known
//   - error: the first failing step, wrapped with its label
func (o *Orchestrator) RunPlan(ctx context.Context, direction Direction) (*Result, error) {
	o.saga.Reset()
	o.st = &planState{direction: direction, latestPresent: true}
	res := &Result{Direction: direction}
	defer func() {
		res.From, res.To, res.Services = o.st.current, o.st.latest, o.st.services
		res.Steps = o.saga.Recorded()
	}()

	o.logger.Info("Starting plan", "direction", string(direction))
	for _, step := range o.preamble() {
		if err := o.saga.Run(ctx, step); err != nil {
			return res, err
		}
	}

	if version.Equal(o.st.current, o.st.latest) {
		o.logger.Info("Already up to date", "version", o.st.current)
		res.UpToDate = true
		return res, nil
	}
	if o.st.latestMissing {
		o.logger.Info("Latest release has no archive yet", "version", o.st.latest)
		res.Unavailable = true
		return res, nil
	}

	for _, step := range o.body() {
		if err := o.saga.Run(ctx, step); err != nil {
			return res, err
		}
	}
	o.logger.Info("Plan completed", "from", o.st.current, "to", o.st.latest, "steps", o.saga.StepCount())
	return res, nil
}

// RunRollbackPlan runs every recorded compensation in reverse order. A
// failed compensation is logged and returned; the unwind continues.
func (o *Orchestrator) RunRollbackPlan(ctx context.Context) []resilience.CompensationError {
	o.logger.Warn("Rolling back plan", "steps", o.saga.StepCount())
	failures := o.saga.Compensate(ctx)
	if len(failures) > 0 {
		o.logger.Error("Rollback finished with failures", "failed", len(failures))
	} else {
		o.logger.Info("Rollback finished")
	}
	return failures
}

// Execute runs a plan and, when it fails, its rollback plan.
//
// # Outputs
//
//   - *Result: as returned by RunPlan
//   - []resilience.CompensationError: compensations that failed, if any
//   - error: the plan error, nil on success or no-op
func (o *Orchestrator) Execute(ctx context.Context, direction Direction) (*Result, []resilience.CompensationError, error) {
	res, err := o.RunPlan(ctx, direction)
	if err == nil {
		return res, nil, nil
	}
	o.logger.Error("Plan failed", "error", err)
	return res, o.RunRollbackPlan(ctx), err
}

// Close releases migration stores.
func (o *Orchestrator) Close() error {
	if o.deps.Migrations == nil {
		return nil
	}
	return o.deps.Migrations.Close()
}

func (o *Orchestrator) pastBaseline() bool {
	return !version.Equal(o.st.current, o.cfg.BaselineVersion)
}

func noop(context.Context) error { return nil }

func wrapVersion(what, v string, err error) error {
	return fmt.Errorf("%s %s: %w", what, v, err)
}
