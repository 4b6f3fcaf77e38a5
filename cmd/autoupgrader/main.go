// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command autoupgrader keeps the services of a host role at the newest
// published release, migrating their stores and rolling back on failure.
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

// Set with -ldflags "-X main.buildVersion=..."
var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, util.Format(err))
		os.Exit(1)
	}
}
