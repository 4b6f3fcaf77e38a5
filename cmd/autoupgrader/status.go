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
	"io"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/activation"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/infra/process"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/ux"
	"github.com/AleutianAI/autoupgrader/pkg/logging"
)

const statusRuns = 5

// runStatus renders the active release, links and recent runs. While a
// run holds the lock the journal is busy, so only links are shown.
func runStatus(ctx context.Context, opts *options, w io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logCfg := opts.logConfig()
	logCfg.Quiet = true
	log := logging.New(logCfg)
	defer log.Close()
	logger := log.Slog()

	status := ux.Status{Role: cfg.Role}

	links, err := activation.NewSwitcher(cfg.InstallDir, logger).Links()
	if err != nil {
		return err
	}
	status.Links = links

	lock := newLock(cfg)
	var held *process.ErrLockHeld
	switch err := lock.Acquire(); {
	case errors.As(err, &held):
		status.LockedBy = held.HolderPID
	case err != nil:
		return err
	default:
		defer lock.Release()
		journal, err := history.Open(cfg.StateDir, cfg.Role, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		if status.Records, err = journal.Snapshot(ctx); err != nil {
			return err
		}
		if status.Runs, err = journal.Runs(ctx, statusRuns); err != nil {
			return err
		}
	}
	return ux.RenderStatus(w, status)
}
