// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Valid names
		{"simple", "redis", false},
		{"with digits", "subtensor2", false},
		{"underscore", "miner_api", false},
		{"hyphen", "miner-api", false},
		{"dotted", "db.v2", false},
		{"uppercase", "Redis", false},
		{"max length", strings.Repeat("a", 64), false},

		// Invalid names
		{"empty", "", true},
		{"parent", "..", true},
		{"embedded parent", "a..b", true},
		{"slash", "miner/api", true},
		{"absolute", "/etc", true},
		{"backslash", `a\b`, true},
		{"space", "miner api", true},
		{"newline", "redis\n", true},
		{"starts with dot", ".env", true},
		{"starts with hyphen", "-rf", true},
		{"too long", strings.Repeat("a", 64) + "x", true},
		{"unicode", "rédis", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNames(t *testing.T) {
	if err := ValidateNames([]string{"redis", "miner"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateNames([]string{"redis", "../x", "a b"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, bad := range []string{`"../x"`, `"a b"`} {
		if !strings.Contains(err.Error(), bad) {
			t.Errorf("error %q does not name %s", err, bad)
		}
	}
}
