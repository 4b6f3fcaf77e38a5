// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envfile distributes per-role environment files into service
// directories and can undo the distribution.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// TargetName is the file written into each service directory.
const TargetName = ".env"

type backup struct {
	path    string
	content []byte
	existed bool
	mode    fs.FileMode
}

// Distributor copies <templateDir>/<role>/<serviceKey>.env to
// <serviceDir>/.env.
//
// Every overwritten file is remembered so Restore can put it back.
type Distributor struct {
	templateDir string
	role        string
	logger      *slog.Logger

	mu      sync.Mutex
	backups []backup
}

// NewDistributor creates a distributor.
func NewDistributor(templateDir, role string, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{templateDir: templateDir, role: role, logger: logger}
}

// TemplatePath returns the template of a service.
func (d *Distributor) TemplatePath(svc *service.Service) string {
	return filepath.Join(d.templateDir, d.role, svc.Key+".env")
}

// Copy installs the service's environment file.
//
// # Outputs
//
//   - error: MissingDirectory if the service directory is absent,
//     MissingFile if the template is absent, or a parse error when the
//     template is not a valid dotenv file
func (d *Distributor) Copy(svc *service.Service) error {
	if info, err := os.Stat(svc.Dir); err != nil || !info.IsDir() {
		return util.NewPathError(util.KindMissingDirectory, svc.Dir, "service directory for "+svc.ID+" not found")
	}
	src := d.TemplatePath(svc)
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return util.NewPathError(util.KindMissingFile, src, "environment template for "+svc.ID+" not found")
		}
		return fmt.Errorf("read %s: %w", src, err)
	}
	if _, err := godotenv.Parse(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("environment template %s: %w", src, err)
	}

	dst := filepath.Join(svc.Dir, TargetName)
	b := backup{path: dst, mode: 0o600}
	if prev, err := os.ReadFile(dst); err == nil {
		b.content, b.existed = prev, true
		if info, err := os.Stat(dst); err == nil {
			b.mode = info.Mode().Perm()
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", dst, err)
	}

	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	d.mu.Lock()
	d.backups = append(d.backups, b)
	d.mu.Unlock()
	d.logger.Debug("Copied environment file", "service", svc.ID, "from", src, "to", dst)
	return nil
}

// Restore undoes every recorded copy in reverse order: previous files are
// rewritten and files that did not exist are deleted.
func (d *Distributor) Restore() error {
	d.mu.Lock()
	backups := d.backups
	d.backups = nil
	d.mu.Unlock()

	var errs []error
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		var err error
		if b.existed {
			err = os.WriteFile(b.path, b.content, b.mode)
		} else if rmErr := os.Remove(b.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = rmErr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", b.path, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the installed environment of a service. A missing file
// yields an empty map.
func Load(svc *service.Service) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(svc.Dir, TargetName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read environment of %s: %w", svc.ID, err)
	}
	return env, nil
}
