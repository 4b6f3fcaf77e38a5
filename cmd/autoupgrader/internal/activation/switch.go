// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activation maintains the symlinks that mark which installed
// release of each service is live.
//
// <installDir>/<serviceKey> points at
// <assetDir>/<role>-<tag>/<role>/<serviceKey>. Repointing creates a
// temporary link beside it and renames it over the stable path, so the
// stable path is never missing or half-written.
package activation

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/autoupgrader/pkg/validation"
)

const tempPrefix = ".tmplink-"

// Switcher repoints service activation links under one install directory.
type Switcher struct {
	installDir string
	logger     *slog.Logger
}

// NewSwitcher creates a switcher for installDir.
func NewSwitcher(installDir string, logger *slog.Logger) *Switcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{installDir: installDir, logger: logger}
}

// LinkPath returns the stable path of a service.
func (s *Switcher) LinkPath(key string) string {
	return filepath.Join(s.installDir, key)
}

// SwitchToVersion points the service's stable path at targetDir.
//
// A leftover temporary link from an interrupted switch is replaced, and a
// real directory at the stable path is removed first.
func (s *Switcher) SwitchToVersion(key, targetDir string) error {
	if err := validation.ValidateName(key); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	info, err := os.Stat(targetDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("activate %s: target %s is not a directory", key, targetDir)
	}
	if err := os.MkdirAll(s.installDir, 0o755); err != nil {
		return fmt.Errorf("create install directory: %w", err)
	}

	link := s.LinkPath(key)
	tmp := filepath.Join(s.installDir, tempPrefix+key)
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale link %s: %w", tmp, err)
	}

	if li, err := os.Lstat(link); err == nil && li.Mode()&os.ModeSymlink == 0 {
		s.logger.Warn("Replacing directory with activation link", "path", link)
		if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("remove %s: %w", link, err)
		}
	}

	if err := os.Symlink(targetDir, tmp); err != nil {
		return fmt.Errorf("cannot create activation symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cannot update activation symlink: %w", err)
	}
	s.logger.Debug("Switched activation link", "service", key, "target", targetDir)
	return nil
}

// Active returns the directory the service's stable path points at.
func (s *Switcher) Active(key string) (string, bool, error) {
	target, err := os.Readlink(s.LinkPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read activation link of %s: %w", key, err)
	}
	return target, true, nil
}

// Deactivate removes the service's activation link if present.
func (s *Switcher) Deactivate(key string) error {
	link := s.LinkPath(key)
	li, err := os.Lstat(link)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if li.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s is not an activation link", link)
	}
	return os.Remove(link)
}

// Links returns every activation link and its target, keyed by service key.
func (s *Switcher) Links() (map[string]string, error) {
	entries, err := os.ReadDir(s.installDir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if target, ok, err := s.Active(e.Name()); err == nil && ok {
			out[e.Name()] = target
		}
	}
	return out, nil
}

// ReleaseOf extracts "<role>-<tag>" from a link target laid out as
// <assetDir>/<role>-<tag>/<role>/<serviceKey>.
func ReleaseOf(target string) string {
	return filepath.Base(filepath.Dir(filepath.Dir(filepath.Clean(target))))
}
