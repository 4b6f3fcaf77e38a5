// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/resilience"
)

// Instrument returns cfg with metrics and tracing hooks installed. Either
// of m and t may be nil.
func Instrument(cfg resilience.SagaConfig, m *Metrics, t *Tracer) resilience.SagaConfig {
	if t != nil {
		cfg.Around = func(ctx context.Context, phase resilience.Phase, name string, run resilience.StepFunc) error {
			ctx, finish := t.Start(ctx, "plan."+string(phase), map[string]string{"step": name})
			err := run(ctx)
			finish(err)
			return err
		}
	}
	if m != nil {
		cfg.OnStepComplete = m.StepCompleted
		cfg.OnStepSkipped = m.StepSkipped
		cfg.OnCompensate = m.Compensated
	}
	return cfg
}
