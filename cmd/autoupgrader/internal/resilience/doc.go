// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides the compensation log behind upgrade plans.
//
// # Overview
//
// A Saga runs steps one at a time. Before a step's body runs, its
// compensation is pushed onto the log, so a step that fails halfway still
// has its remedy recorded. Compensate pops the log in reverse order and
// keeps going past individual failures.
//
// # Example
//
//	saga := resilience.NewSaga(resilience.DefaultSagaConfig())
//	err := saga.Run(ctx, resilience.SagaStep{
//	    Name:       "switch versions",
//	    Execute:    switchAll,
//	    Compensate: switchBack,
//	})
//	if err != nil {
//	    saga.Compensate(ctx)
//	}
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package resilience
