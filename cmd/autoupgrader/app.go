// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/config"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/activation"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/artifact"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/diagnostics"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/envfile"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/container"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/process"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/lifecycle"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/migration"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/orchestrator"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/resilience"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/pkg/logging"
)

// LockName is the run lock file name under the state directory.
const LockName = "autoupgrader"

// app holds the long-lived collaborators. Per-run state (the journal,
// env backups, migration stores) is created by runOnce.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	logger  *slog.Logger
	lock    *process.RunLock
	metrics *diagnostics.Metrics
	tracer  *diagnostics.Tracer

	releases *artifact.Client
	assets   *artifact.Store
	catalog  *service.Catalog
	scripts  *lifecycle.Scripts
	switcher *activation.Switcher
	probe    *container.Inspector
}

func newApp(opts *options) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(opts.logConfig())
	logger := log.Slog().With("role", cfg.Role)

	tracer, err := diagnostics.NewTracer(cfg.Tracing.Enabled, os.Stderr, buildVersion)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	catalog, err := service.NewCatalog(logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	runner := process.NewExecRunner(cfg.Runner.ScriptTimeout, logger)
	client := artifact.NewClient(artifact.ClientConfig{
		APIURL:      cfg.Release.APIURL,
		DownloadURL: cfg.Release.DownloadURL,
		Role:        cfg.Role,
		Token:       cfg.Token(os.Getenv),
		Channel:     cfg.Release.Prerelease,
		PerPage:     cfg.Release.PerPage,
		Timeout:     cfg.Release.Timeout,
		Limiter:     cfg.Release.Limiter(),
	}, logger)

	return &app{
		cfg:     cfg,
		log:     log,
		logger:  logger,
		lock:    newLock(cfg),
		metrics: diagnostics.NewMetrics(),
		tracer:  tracer,

		releases: client,
		assets:   artifact.NewStore(cfg.AssetDir, cfg.Role, client, logger),
		catalog:  catalog,
		scripts:  lifecycle.NewScripts(runner, cfg.Runner.Shell, logger),
		switcher: activation.NewSwitcher(cfg.InstallDir, logger),
		probe:    container.NewInspector(runner, cfg.Runner.ContainerEngine, logger),
	}, nil
}

func newLock(cfg *config.Config) *process.RunLock {
	return process.NewRunLock(process.RunLockConfig{LockDir: cfg.StateDir, LockName: LockName})
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("Tracer shutdown failed", "error", err)
	}
	a.log.Close()
}

func (a *app) newOrchestrator(records orchestrator.VersionRecords) *orchestrator.Orchestrator {
	sagaCfg := diagnostics.Instrument(resilience.SagaConfig{
		StepTimeout:         a.cfg.StepTimeout,
		CompensationTimeout: a.cfg.StepTimeout,
		Logger:              a.logger,
	}, a.metrics, a.tracer)

	return orchestrator.New(orchestrator.Config{
		Role:               a.cfg.Role,
		BaselineVersion:    a.cfg.BaselineVersion,
		PostInstallCommand: a.cfg.PostInstallCommand,
		Saga:               sagaCfg,
		Logger:             a.logger,
	}, orchestrator.Deps{
		Releases:   a.releases,
		Assets:     a.assets,
		Catalog:    a.catalog,
		Env:        envfile.NewDistributor(a.cfg.EnvTemplateDir, a.cfg.Role, a.logger),
		Scripts:    a.scripts,
		Migrations: migration.NewManager(migration.DefaultRegistry(a.cfg.DataRoot(), a.logger), a.scripts, a.logger),
		Activation: a.switcher,
		Containers: a.probe,
		Records:    records,
	})
}

// runOnce executes one plan under the run lock and journals it.
func (a *app) runOnce(ctx context.Context, direction orchestrator.Direction) (err error) {
	if err := a.lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if rerr := a.lock.Release(); rerr != nil {
			a.logger.Warn("Releasing run lock failed", "error", rerr)
		}
	}()

	journal, err := history.Open(a.cfg.StateDir, a.cfg.Role, a.logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx, end := a.tracer.Start(ctx, "plan.run", map[string]string{
		"role":      a.cfg.Role,
		"direction": string(direction),
	})
	defer func() { end(err) }()

	run := journal.NewRun(string(direction), time.Now())
	orch := a.newOrchestrator(journal)
	res, compErrs, err := orch.Execute(ctx, direction)
	if cerr := orch.Close(); cerr != nil {
		a.logger.Warn("Closing migration stores failed", "error", cerr)
	}

	run.Finished = time.Now()
	if res != nil {
		run.From, run.To, run.Steps = res.From, res.To, res.Steps
	}
	for _, ce := range compErrs {
		run.Compensations = append(run.Compensations, history.CompensationRecord{Step: ce.StepName, Error: ce.Err.Error()})
	}
	switch {
	case err == nil && res != nil && res.UpToDate:
		run.Outcome = history.OutcomeUpToDate
	case err == nil && res != nil && res.Unavailable:
		run.Outcome = history.OutcomeNoArchive
	case err == nil:
		run.Outcome = history.OutcomeSucceeded
	case len(compErrs) == 0:
		run.Outcome = history.OutcomeRolledBack
	default:
		run.Outcome = history.OutcomeFailed
	}
	if err != nil {
		run.Error = err.Error()
	}

	a.metrics.RunFinished(string(direction), string(run.Outcome))
	if v, verr := journal.Version(context.WithoutCancel(ctx)); verr == nil {
		a.metrics.SetActiveVersion(a.cfg.Role, v)
	}
	if jerr := journal.RecordRun(context.WithoutCancel(ctx), run); jerr != nil {
		a.logger.Warn("Recording run failed", "error", jerr)
	}
	if werr := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); werr != nil {
		a.logger.Warn("Writing metrics textfile failed", "error", werr)
	}

	a.logger.Info("Run finished",
		"direction", direction,
		"outcome", run.Outcome,
		"from", run.From,
		"to", run.To,
		"duration", run.Finished.Sub(run.Started).Round(time.Millisecond),
	)
	if err != nil && len(compErrs) > 0 {
		errs := make([]error, 0, len(compErrs)+1)
		errs = append(errs, err)
		for _, ce := range compErrs {
			errs = append(errs, ce)
		}
		return errors.Join(errs...)
	}
	return err
}

// =============================================================================
// COMMANDS
// =============================================================================

func runOnce(ctx context.Context, opts *options, direction orchestrator.Direction) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()
	return a.runOnce(ctx, direction)
}

// runLoop rolls out on every limiter token until ctx is cancelled.
// A failed run is logged and the loop continues.
func runLoop(ctx context.Context, opts *options) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, addr, a.logger); err != nil {
				a.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	limiter := rate.NewLimiter(rate.Every(a.cfg.Loop.Interval), a.cfg.Loop.Burst)
	a.logger.Info("Upgrade loop started", "interval", a.cfg.Loop.Interval)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				a.logger.Info("Upgrade loop stopped")
				return nil
			}
			return err
		}
		if err := a.runOnce(ctx, orchestrator.DirectionRollout); err != nil {
			var held *process.ErrLockHeld
			if errors.As(err, &held) {
				a.logger.Warn("Another run is in progress, skipping", "pid", held.HolderPID)
				continue
			}
			a.logger.Error("Upgrade failed", "error", err)
		}
	}
}
