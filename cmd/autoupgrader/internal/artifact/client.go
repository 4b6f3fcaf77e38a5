// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact discovers published releases and manages their
// extracted asset trees on disk.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/version"
)

// ErrNoRelease is returned by Latest when no release passes the filter.
var ErrNoRelease = errors.New("no acceptable release published")

// Release is one entry of the releases API.
type Release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
}

// ClientConfig configures a release client.
type ClientConfig struct {
	// APIURL lists releases, e.g.
	// https://api.github.com/repos/<org>/<repo>/releases
	APIURL string

	// DownloadURL is a template for archive URLs. {version} is the display
	// version, {tag} the normalized version and {role} the role name.
	DownloadURL string

	Role  string
	Token string

	// Channel admits pre-releases: "" none, "alpha" a and rc, "rc" rc
	// only, "all" any.
	Channel string

	PerPage int
	Timeout time.Duration

	// Limiter paces API and download requests. Nil means unlimited.
	Limiter *rate.Limiter
}

// Client talks to the release source over HTTP.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a release client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.PerPage <= 0 {
		cfg.PerPage = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// Accepts reports whether a release with pre-release marker ("" for
// stable) is admitted by channel.
func Accepts(channel, marker string) bool {
	if marker == "" {
		return true
	}
	switch channel {
	case "all":
		return true
	case "alpha":
		return marker == "a" || marker == "rc"
	case "rc":
		return marker == "rc"
	}
	return false
}

// Releases fetches the published releases.
func (c *Client) Releases(ctx context.Context) ([]Release, error) {
	u, err := url.Parse(c.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("release api url: %w", err)
	}
	q := u.Query()
	q.Set("per_page", strconv.Itoa(c.cfg.PerPage))
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u.String(), "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list releases: unexpected status %s", resp.Status)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode releases: %w", err)
	}
	return releases, nil
}

// Latest returns the display version of the most recently published
// release admitted by the channel. Drafts and unparseable tags are
// skipped.
func (c *Client) Latest(ctx context.Context) (string, error) {
	releases, err := c.Releases(ctx)
	if err != nil {
		return "", err
	}

	var (
		best    string
		bestAt  time.Time
		skipped int
	)
	for _, r := range releases {
		if r.Draft {
			continue
		}
		marker, err := version.Prerelease(r.TagName)
		if err != nil {
			skipped++
			continue
		}
		if !Accepts(c.cfg.Channel, marker) {
			continue
		}
		if best == "" || r.PublishedAt.After(bestAt) {
			display, _ := version.Denormalize(r.TagName)
			best, bestAt = display, r.PublishedAt
		}
	}
	if skipped > 0 {
		c.logger.Debug("Skipped releases with unparseable tags", "count", skipped)
	}
	if best == "" {
		return "", ErrNoRelease
	}
	return best, nil
}

// ArchiveURL returns the download URL of a version's archive.
func (c *Client) ArchiveURL(v string) (string, error) {
	display, err := version.Denormalize(v)
	if err != nil {
		return "", err
	}
	tag, _ := version.Normalize(display)
	return strings.NewReplacer("{version}", display, "{tag}", tag, "{role}", c.cfg.Role).Replace(c.cfg.DownloadURL), nil
}

// Download streams the archive of v into w. A 404 is reported as
// (false, nil): the release simply has no asset for this role.
func (c *Client) Download(ctx context.Context, v string, w io.Writer) (bool, error) {
	archiveURL, err := c.ArchiveURL(v)
	if err != nil {
		return false, err
	}
	resp, err := c.get(ctx, archiveURL, "application/octet-stream")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.logger.Warn("Release has no asset", "version", v, "url", archiveURL)
		return false, nil
	default:
		return false, fmt.Errorf("download %s: unexpected status %s", archiveURL, resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", archiveURL, err)
	}
	c.logger.Info("Downloaded release archive", "version", v, "bytes", n)
	return true, nil
}

func (c *Client) get(ctx context.Context, target, accept string) (*http.Response, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	return resp, nil
}
