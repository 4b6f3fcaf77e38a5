// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/version"
)

// ErrAssetNotFound is returned by Pull when the release has no archive.
var ErrAssetNotFound = errors.New("release asset not found")

// Downloader fetches a version's archive.
type Downloader interface {
	Download(ctx context.Context, version string, w io.Writer) (bool, error)
}

// Store owns the extracted release trees of one role:
// <assetDir>/<role>-<tag>/<role>/<serviceKey>/...
type Store struct {
	assetDir   string
	role       string
	downloader Downloader
	logger     *slog.Logger
}

// NewStore creates a store.
func NewStore(assetDir, role string, downloader Downloader, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{assetDir: assetDir, role: role, downloader: downloader, logger: logger}
}

// ReleaseDir returns <assetDir>/<role>-<tag>.
func (s *Store) ReleaseDir(v string) (string, error) {
	tag, err := version.Normalize(v)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.assetDir, s.role+"-"+tag), nil
}

// RoleRoot returns <assetDir>/<role>-<tag>/<role>.
func (s *Store) RoleRoot(v string) (string, error) {
	dir, err := s.ReleaseDir(v)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, s.role), nil
}

// Exists reports whether the release tree of v is on disk.
func (s *Store) Exists(v string) bool {
	dir, err := s.ReleaseDir(v)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Pull downloads and extracts v, replacing any existing tree.
//
// The archive is extracted next to the final directory and renamed into
// place, so a failed pull leaves the previous tree untouched.
func (s *Store) Pull(ctx context.Context, v string) error {
	dir, err := s.ReleaseDir(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.assetDir, 0o755); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}

	archive, err := os.CreateTemp(s.assetDir, ".download-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	found, err := s.downloader.Download(ctx, v, archive)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", v, ErrAssetNotFound)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return err
	}

	partial := dir + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return err
	}
	if err := ExtractTarGz(archive, partial); err != nil {
		os.RemoveAll(partial)
		return fmt.Errorf("extract %s: %w", v, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(partial)
		return fmt.Errorf("replace %s: %w", dir, err)
	}
	if err := os.Rename(partial, dir); err != nil {
		return fmt.Errorf("install %s: %w", dir, err)
	}
	s.logger.Info("Pulled release", "version", v, "dir", dir)
	return nil
}

// Remove deletes the release tree of v. A missing tree is not an error.
func (s *Store) Remove(v string) error {
	dir, err := s.ReleaseDir(v)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	s.logger.Info("Removed release", "version", v, "dir", dir)
	return nil
}

// RequireRoleRoot returns the role root of v, or MissingDirectory.
func (s *Store) RequireRoleRoot(v string) (string, error) {
	root, err := s.RoleRoot(v)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", util.NewPathError(util.KindMissingDirectory, root, fmt.Sprintf("release %s has no %s tree", v, s.role))
	}
	return root, nil
}

// ExtractTarGz extracts a gzipped tarball into targetDir, stripping the
// archive's single top-level directory. Entries escaping targetDir are
// rejected.
func ExtractTarGz(r io.Reader, targetDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	root := filepath.Clean(targetDir)
	tr := tar.NewReader(gz)
	var strip string

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(filepath.ToSlash(header.Name), "./")
		if header.Typeflag == tar.TypeXGlobalHeader || strings.HasPrefix(filepath.Base(name), "._") {
			continue
		}
		if strip == "" {
			first, _, _ := strings.Cut(name, "/")
			if first == "" {
				return fmt.Errorf("cannot determine archive root from %q", header.Name)
			}
			strip = first + "/"
		}
		if !strings.HasPrefix(name+"/", strip) {
			return fmt.Errorf("archive has more than one top-level entry: %q", header.Name)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(name+"/", strip), "/")
		rel = strings.TrimSuffix(rel, "/")
		if rel == "" {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		if !within(root, target) {
			return fmt.Errorf("invalid file path: %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) || !within(root, filepath.Join(filepath.Dir(target), header.Linkname)) {
				return fmt.Errorf("symlink %q escapes the archive", header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
