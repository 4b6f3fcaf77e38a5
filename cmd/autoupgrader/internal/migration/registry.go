// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/envfile"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/service"
	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// EnvFile is the service environment file store settings are read from.
const EnvFile = envfile.TargetName

// Opener connects to the store of a service. env holds the service's
// environment file; the returned map is passed to exec operations.
type Opener func(ctx context.Context, svc *service.Service, env map[string]string) (kvstore.Store, map[string]string, error)

// Registry maps migration types to store openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// DefaultRegistry knows the "redis" and "badger" migration types.
// dataRoot holds badger stores named by a relative BADGER_DIR.
func DefaultRegistry(dataRoot string, logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register("redis", OpenRedisStore)
	r.Register("badger", BadgerOpener(dataRoot, logger))
	return r
}

// Register adds or replaces the opener of kind.
func (r *Registry) Register(kind string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[kind] = opener
}

// Lookup returns the opener of kind, or UnsupportedMigrationType.
func (r *Registry) Lookup(kind string) (Opener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opener, ok := r.openers[kind]
	if !ok {
		return nil, util.NewError(util.KindUnsupportedMigrationType, "migration type %q is not supported (known: %v)", kind, r.kindsLocked())
	}
	return opener, nil
}

func (r *Registry) kindsLocked() []string {
	kinds := make([]string, 0, len(r.openers))
	for k := range r.openers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ReadServiceEnv reads <svc.Dir>/.env. A missing file yields an empty map.
func ReadServiceEnv(svc *service.Service) (map[string]string, error) {
	return envfile.Load(svc)
}

// OpenRedisStore opens the Redis named by REDIS_URL, or by REDIS_HOST,
// REDIS_PORT, REDIS_PASSWORD and REDIS_DB (default localhost:6379, db 0).
func OpenRedisStore(ctx context.Context, _ *service.Service, env map[string]string) (kvstore.Store, map[string]string, error) {
	cfg := kvstore.RedisConfig{URL: env["REDIS_URL"], Password: env["REDIS_PASSWORD"]}
	if cfg.URL == "" {
		host := valueOr(env, "REDIS_HOST", "localhost")
		port := valueOr(env, "REDIS_PORT", "6379")
		cfg.Addr = host + ":" + port
		if raw := env["REDIS_DB"]; raw != "" {
			db, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("REDIS_DB %q: %w", raw, err)
			}
			cfg.DB = db
		}
	}
	store, err := kvstore.OpenRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	execEnv := map[string]string{"STORE_KIND": "redis"}
	if cfg.URL != "" {
		execEnv["STORE_URL"] = cfg.URL
	} else {
		execEnv["STORE_URL"] = fmt.Sprintf("redis://%s/%d", cfg.Addr, cfg.DB)
	}
	return store, execEnv, nil
}

// BadgerOpener opens the BadgerDB directory named by BADGER_DIR (default
// "data"). A relative BADGER_DIR lives under <dataRoot>/<service id>, outside
// any release tree, so the store survives the switch to a new release and
// the removal of the old one. An absolute BADGER_DIR is used as is.
//
// Exec operations receive BADGER_DIR but must not open the database while
// the engine holds it.
func BadgerOpener(dataRoot string, logger *slog.Logger) Opener {
	return func(_ context.Context, svc *service.Service, env map[string]string) (kvstore.Store, map[string]string, error) {
		dir := valueOr(env, "BADGER_DIR", "data")
		if !filepath.IsAbs(dir) {
			if dataRoot == "" {
				return nil, nil, fmt.Errorf("service %s: BADGER_DIR %q must be absolute when no data root is configured", svc.ID, dir)
			}
			dir = filepath.Join(dataRoot, svc.ID, dir)
		}
		cfg := kvstore.DefaultBadgerConfig(dir)
		cfg.GCInterval = 0
		cfg.Logger = logger
		store, err := kvstore.OpenBadger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, map[string]string{"STORE_KIND": "badger", "BADGER_DIR": dir}, nil
	}
}

func valueOr(env map[string]string, key, fallback string) string {
	if v := env[key]; v != "" {
		return v
	}
	return fallback
}
