// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds the error types shared by every autoupgrader package.
//
// # Overview
//
// Two error shapes exist:
//
//   - Error: a classified failure carrying a Kind (code + label), a
//     human-readable detail and an optional path.
//   - CommandError: a failed external command, with exit code and stderr.
//
// KindOf and Format classify any error chain, so callers can wrap freely
// with fmt.Errorf("...: %w", err) and still print the operator-facing
// "[AU1001] Missing directory: ..." line at the top.
package util
