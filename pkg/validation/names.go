// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks names that end up in file paths, symlink
// names and store keys.
//
// Service keys and ids come from release archives. They become
// <install_dir>/<key> links, <env_template_dir>/<role>/<key>.env
// templates and service/<role>/<id> history keys, so separators,
// parent references and whitespace are rejected outright.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches service keys and ids.
// Allows: letters, digits, dots, underscores, hyphens. Must start with a
// letter or digit. Max length: 64 characters.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateName validates a service key or id.
//
// Example:
//
//	if err := validation.ValidateName(key); err != nil {
//	    return fmt.Errorf("service directory: %w", err)
//	}
//	link := filepath.Join(installDir, key) // safe
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid name %q: parent reference", name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q (must be 1-64 letters, digits, dots, underscores or hyphens)", name)
	}
	return nil
}

// ValidateNames validates several names and lists every invalid one.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %q", invalid)
	}
	return nil
}
