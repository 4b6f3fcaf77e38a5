// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"strings"
	"sync"
)

// Call records one MockRunner invocation.
type Call struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

// Line returns the command line of the call.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// MockRunner is a scripted Runner.
//
// RunFunc decides each outcome; when nil every call succeeds with empty
// output.
type MockRunner struct {
	RunFunc func(ctx context.Context, call Call) (*Result, error)

	mu    sync.Mutex
	calls []Call
}

var _ Runner = (*MockRunner)(nil)

// Run implements Runner.
func (m *MockRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	call := Call{Dir: dir, Env: append([]string(nil), env...), Name: name, Args: append([]string(nil), args...)}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	fn := m.RunFunc
	m.mu.Unlock()

	if fn == nil {
		return &Result{Command: call.Line()}, nil
	}
	return fn(ctx, call)
}

// Calls returns a copy of the recorded calls.
func (m *MockRunner) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Reset forgets recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
