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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/kvstore"
)

// CommandRunner runs an exec operation of a migration file.
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, env map[string]string, command string) error
}

// Op is one operation of a migration file. Exactly one field is set.
type Op struct {
	Set          *SetOp    `yaml:"set,omitempty"`
	Delete       *KeyOp    `yaml:"delete,omitempty"`
	Rename       *MoveOp   `yaml:"rename,omitempty"`
	Copy         *MoveOp   `yaml:"copy,omitempty"`
	RenamePrefix *PrefixOp `yaml:"rename_prefix,omitempty"`
	Exec         *ExecOp   `yaml:"exec,omitempty"`
}

type SetOp struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type KeyOp struct {
	Key string `yaml:"key"`
}

// MoveOp moves or copies Key to To. A missing Key is a no-op so that the
// operation can be re-run after a partial failure.
type MoveOp struct {
	Key string `yaml:"key"`
	To  string `yaml:"to"`
}

// PrefixOp renames every key under Prefix to the same suffix under To.
type PrefixOp struct {
	Prefix string `yaml:"prefix"`
	To     string `yaml:"to"`
}

// ExecOp runs a command from the migration directory.
type ExecOp struct {
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
}

func (o Op) validate() error {
	n := 0
	for _, set := range []bool{o.Set != nil, o.Delete != nil, o.Rename != nil, o.Copy != nil, o.RenamePrefix != nil, o.Exec != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("operation must have exactly one of set, delete, rename, copy, rename_prefix, exec (got %d)", n)
	}
	switch {
	case o.Set != nil && o.Set.Key == "",
		o.Delete != nil && o.Delete.Key == "",
		o.Rename != nil && (o.Rename.Key == "" || o.Rename.To == ""),
		o.Copy != nil && (o.Copy.Key == "" || o.Copy.To == ""),
		o.RenamePrefix != nil && (o.RenamePrefix.Prefix == "" || o.RenamePrefix.To == ""):
		return errors.New("operation is missing a key")
	case o.Exec != nil && strings.TrimSpace(o.Exec.Command) == "":
		return errors.New("exec operation has no command")
	}
	return nil
}

// execContext carries what exec operations need.
type execContext struct {
	runner CommandRunner
	dir    string
	env    map[string]string
}

func (o Op) run(ctx context.Context, store kvstore.Store, ec execContext) error {
	switch {
	case o.Set != nil:
		return store.Set(ctx, o.Set.Key, o.Set.Value)
	case o.Delete != nil:
		return store.Delete(ctx, o.Delete.Key)
	case o.Rename != nil:
		return move(ctx, store, o.Rename.Key, o.Rename.To, true)
	case o.Copy != nil:
		return move(ctx, store, o.Copy.Key, o.Copy.To, false)
	case o.RenamePrefix != nil:
		keys, err := store.Keys(ctx, o.RenamePrefix.Prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := move(ctx, store, k, o.RenamePrefix.To+strings.TrimPrefix(k, o.RenamePrefix.Prefix), true); err != nil {
				return err
			}
		}
		return nil
	case o.Exec != nil:
		if ec.runner == nil {
			return errors.New("exec operation needs a command runner")
		}
		env := make(map[string]string, len(ec.env)+len(o.Exec.Env))
		for k, v := range ec.env {
			env[k] = v
		}
		for k, v := range o.Exec.Env {
			env[k] = v
		}
		return ec.runner.RunCommand(ctx, ec.dir, env, o.Exec.Command)
	}
	return errors.New("empty operation")
}

func move(ctx context.Context, store kvstore.Store, from, to string, remove bool) error {
	value, found, err := store.Get(ctx, from)
	if err != nil || !found {
		return err
	}
	if err := store.Set(ctx, to, value); err != nil {
		return err
	}
	if remove {
		return store.Delete(ctx, from)
	}
	return nil
}

func compile(ops []Op, ec execContext) Action {
	return func(ctx context.Context, store kvstore.Store) error {
		for i, op := range ops {
			if err := op.run(ctx, store, ec); err != nil {
				return fmt.Errorf("operation %d: %w", i+1, err)
			}
		}
		return nil
	}
}
