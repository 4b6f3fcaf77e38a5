// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version converts release versions between their display form
// ("1.2.3-alpha.1") and the tag form used for artifact and directory names
// ("1.2.3a1"), and orders them with full semantic-version precedence.
package version

import (
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

var (
	// Numeric components carry no leading zeros, matching semver.
	displayPattern = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-(alpha|beta|rc)\.(0|[1-9]\d*))?$`)
	tagPattern     = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:(a|b|rc)(0|[1-9]\d*))?$`)

	toMarker   = map[string]string{"alpha": "a", "beta": "b", "rc": "rc"}
	fromMarker = map[string]string{"a": "alpha", "b": "beta", "rc": "rc"}
)

// Normalize returns the tag form of v.
//
// A leading "v" is dropped and -alpha.N, -beta.N, -rc.N become aN, bN, rcN.
// Input already in tag form is returned unchanged.
func Normalize(v string) (string, error) {
	if m := displayPattern.FindStringSubmatch(v); m != nil {
		out := fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3])
		if m[4] != "" {
			out += toMarker[m[4]] + m[5]
		}
		return out, nil
	}
	if m := tagPattern.FindStringSubmatch(v); m != nil {
		return fmt.Sprintf("%s.%s.%s%s%s", m[1], m[2], m[3], m[4], m[5]), nil
	}
	return "", invalid(v)
}

// Denormalize returns the display form of a tag. It is the exact inverse
// of Normalize for well-formed inputs without a leading "v".
func Denormalize(tag string) (string, error) {
	if m := tagPattern.FindStringSubmatch(tag); m != nil {
		out := fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3])
		if m[4] != "" {
			out += "-" + fromMarker[m[4]] + "." + m[5]
		}
		return out, nil
	}
	if m := displayPattern.FindStringSubmatch(tag); m != nil {
		out := fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3])
		if m[4] != "" {
			out += "-" + m[4] + "." + m[5]
		}
		return out, nil
	}
	return "", invalid(tag)
}

// Compare orders a and b, accepting either form for each.
//
// The result is -1, 0 or +1. Pre-releases sort before their release and
// alpha < beta < rc.
func Compare(a, b string) (int, error) {
	sa, err := semverOf(a)
	if err != nil {
		return 0, err
	}
	sb, err := semverOf(b)
	if err != nil {
		return 0, err
	}
	return semver.Compare(sa, sb), nil
}

// Equal reports whether a and b name the same version in any form.
// Malformed inputs fall back to string equality.
func Equal(a, b string) bool {
	c, err := Compare(a, b)
	if err != nil {
		return a == b
	}
	return c == 0
}

// Valid reports whether v is a well-formed version in either form.
func Valid(v string) bool {
	_, err := Normalize(v)
	return err == nil
}

// Prerelease returns the tag marker of v ("a", "b", "rc") or "" for a
// stable release.
func Prerelease(v string) (string, error) {
	tag, err := Normalize(v)
	if err != nil {
		return "", err
	}
	return tagPattern.FindStringSubmatch(tag)[4], nil
}

func semverOf(v string) (string, error) {
	display, err := Denormalize(v)
	if err != nil {
		return "", err
	}
	sv := "v" + display
	if !semver.IsValid(sv) {
		return "", invalid(v)
	}
	return sv, nil
}

func invalid(v string) error {
	return util.NewError(util.KindInvalidVersionString, "%q is not a release version", v)
}
