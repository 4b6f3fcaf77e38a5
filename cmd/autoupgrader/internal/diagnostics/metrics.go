// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics exposes plan metrics to Prometheus and plan spans to
// OpenTelemetry, and instruments a saga with both.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoupgrader"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics holds the plan collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	runs          *prometheus.CounterVec
	activeVersion *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_steps_total",
			Help:      "Plan steps by outcome",
		}, []string{"step", "outcome"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_step_duration_seconds",
			Help:      "Plan step duration",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"step"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensations run during rollback by outcome",
		}, []string{"step", "outcome"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Plan runs by direction and outcome",
		}, []string{"direction", "outcome"}),
		activeVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_version_info",
			Help:      "Active release of a role, value is always 1",
		}, []string{"role", "version"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StepCompleted records a finished step.
func (m *Metrics) StepCompleted(step string, d time.Duration, err error) {
	m.steps.WithLabelValues(step, outcome(err)).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// StepSkipped records a step whose condition was false.
func (m *Metrics) StepSkipped(step string) {
	m.steps.WithLabelValues(step, OutcomeSkipped).Inc()
}

// Compensated records one compensation.
func (m *Metrics) Compensated(step string, err error) {
	m.compensations.WithLabelValues(step, outcome(err)).Inc()
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(direction, result string) {
	m.runs.WithLabelValues(direction, result).Inc()
}

// SetActiveVersion replaces the active release of role.
func (m *Metrics) SetActiveVersion(role, version string) {
	m.activeVersion.DeletePartialMatch(prometheus.Labels{"role": role})
	m.activeVersion.WithLabelValues(role, version).Set(1)
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the registry for the node exporter textfile
// collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("Serving metrics", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
