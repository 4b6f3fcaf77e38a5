// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Saga Step
// =============================================================================

// StepFunc is the body of a step or of its compensation.
type StepFunc func(ctx context.Context) error

// SagaStep is one forward action and the action that undoes it.
//
// # Description
//
// When Condition is set and returns false the step is skipped: nothing
// runs and a no-op compensation is recorded under the step's name.
//
// # Limitations
//
//   - Compensate should be idempotent
//
// # Assumptions
//
//   - Execute respects context cancellation
type SagaStep struct {
	// Name identifies the step in logs, metrics and the recorded log.
	Name string

	// Condition gates the step. Nil means always run.
	Condition func() bool

	// Execute performs the forward action.
	Execute StepFunc

	// Compensate undoes Execute. Nil records a no-op.
	Compensate StepFunc

	// Timeout overrides the saga's StepTimeout. Zero uses the default.
	Timeout time.Duration
}

// =============================================================================
// Saga Configuration
// =============================================================================

// Phase tells an Around hook what it is wrapping.
type Phase string

const (
	PhaseExecute    Phase = "execute"
	PhaseCompensate Phase = "compensate"
)

// SagaConfig configures saga behavior.
type SagaConfig struct {
	// StepTimeout bounds each step. At the deadline the step's context is
	// cancelled and the step fails, but Run still waits for its body to
	// return so steps never overlap.
	// Default: 10 minutes
	StepTimeout time.Duration

	// CompensationTimeout bounds each compensation.
	// Default: 10 minutes
	CompensationTimeout time.Duration

	// Logger receives step and compensation events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Around wraps every step body and compensation, e.g. in a span.
	// It must call run exactly once and return its error.
	Around func(ctx context.Context, phase Phase, name string, run StepFunc) error

	// OnStepComplete is called after each step, with its error.
	OnStepComplete func(name string, duration time.Duration, err error)

	// OnStepSkipped is called when a step's condition is false.
	OnStepSkipped func(name string)

	// OnCompensate is called after each compensation, with its error.
	OnCompensate func(name string, err error)
}

// DefaultSagaConfig returns defaults sized for lifecycle scripts.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:         10 * time.Minute,
		CompensationTimeout: 10 * time.Minute,
		Logger:              slog.Default(),
	}
}

// CompensationError records a failed compensation.
type CompensationError struct {
	StepName string
	Err      error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensate %q: %v", e.StepName, e.Err)
}

// =============================================================================
// Saga
// =============================================================================

// Saga is an owned compensation log.
//
// # Description
//
// Run records the step's compensation first and then executes the step,
// so the log holds one entry per started step, including the one that
// failed. Compensate replays the log in reverse and empties it.
//
// # Limitations
//
//   - The log lives in memory; a crash loses it
//   - A step body that ignores its context keeps running after a timeout
//
// # Assumptions
//
//   - Steps are run sequentially from one goroutine
type Saga struct {
	config SagaConfig

	mu  sync.Mutex
	log []SagaStep
}

// NewSaga creates an empty saga. Zero config values take defaults.
func NewSaga(config SagaConfig) *Saga {
	defaults := DefaultSagaConfig()
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaults.CompensationTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Saga{config: config}
}

// Run records step's compensation and executes step.
//
// # Outputs
//
//   - error: the step's error, or a timeout error, wrapped with its name
func (s *Saga) Run(ctx context.Context, step SagaStep) error {
	if step.Condition != nil && !step.Condition() {
		s.push(SagaStep{Name: step.Name})
		s.config.Logger.Info("Skipping step", "step", step.Name)
		if s.config.OnStepSkipped != nil {
			s.config.OnStepSkipped(step.Name)
		}
		return nil
	}

	s.push(step)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("step %q not started: %w", step.Name, err)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}

	s.config.Logger.Info("Executing step", "step", step.Name)
	start := time.Now()
	err := s.invoke(ctx, PhaseExecute, step.Name, step.Execute, timeout)
	duration := time.Since(start)
	if s.config.OnStepComplete != nil {
		s.config.OnStepComplete(step.Name, duration, err)
	}
	if err != nil {
		s.config.Logger.Error("Step failed", "step", step.Name, "duration", duration, "error", err)
		return fmt.Errorf("step %q: %w", step.Name, err)
	}
	s.config.Logger.Info("Step completed", "step", step.Name, "duration", duration)
	return nil
}

// Compensate pops every recorded step in reverse order and runs its
// compensation. Failures are logged, returned and do not stop the unwind.
//
// Compensations run on a context detached from ctx's cancellation, so an
// interrupt that aborted the plan does not also abort its cleanup.
func (s *Saga) Compensate(ctx context.Context) []CompensationError {
	detached := context.WithoutCancel(ctx)
	var failures []CompensationError

	for {
		step, ok := s.pop()
		if !ok {
			break
		}
		if step.Compensate == nil {
			s.config.Logger.Debug("No compensation needed", "step", step.Name)
			if s.config.OnCompensate != nil {
				s.config.OnCompensate(step.Name, nil)
			}
			continue
		}

		s.config.Logger.Info("Compensating step", "step", step.Name)
		err := s.invoke(detached, PhaseCompensate, step.Name, step.Compensate, s.config.CompensationTimeout)
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(step.Name, err)
		}
		if err != nil {
			s.config.Logger.Warn("Compensation failed", "step", step.Name, "error", err)
			failures = append(failures, CompensationError{StepName: step.Name, Err: err})
			continue
		}
		s.config.Logger.Info("Compensated step", "step", step.Name)
	}
	return failures
}

// invoke runs fn under a timeout, through the Around hook when set.
func (s *Saga) invoke(ctx context.Context, phase Phase, name string, fn StepFunc, timeout time.Duration) error {
	if fn == nil {
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			done <- fn(ctx)
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
		}
		// A body that ignores ctx still owns the plan until it returns;
		// nothing else may run before then.
		s.config.Logger.Warn("Deadline passed, waiting for step to return", "step", name, "phase", phase)
		if err := <-done; err != nil {
			s.config.Logger.Debug("Step returned after deadline", "step", name, "error", err)
		}
		return fmt.Errorf("%s timed out or was cancelled: %w", phase, ctx.Err())
	}
	if s.config.Around != nil {
		return s.config.Around(stepCtx, phase, name, run)
	}
	return run(stepCtx)
}

func (s *Saga) push(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, step)
}

func (s *Saga) pop() (SagaStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return SagaStep{}, false
	}
	step := s.log[len(s.log)-1]
	s.log = s.log[:len(s.log)-1]
	return step, true
}

// Reset empties the log without compensating.
func (s *Saga) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// Recorded returns the recorded step names in registration order.
func (s *Saga) Recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.log))
	for i, step := range s.log {
		names[i] = step.Name
	}
	return names
}

// StepCount returns the number of recorded steps.
func (s *Saga) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}
