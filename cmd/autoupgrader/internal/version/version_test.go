// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/util"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{"v1.2.3", "1.2.3"},
		{"v3.0.0-alpha.1", "3.0.0a1"},
		{"2.1.0-beta.12", "2.1.0b12"},
		{"2.1.0-rc.2", "2.1.0rc2"},
		{"2.1.0rc2", "2.1.0rc2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []string{"1.0.0", "3.0.0-alpha.1", "3.0.0-beta.4", "10.20.30-rc.11"} {
		t.Run(v, func(t *testing.T) {
			tag, err := Normalize(v)
			require.NoError(t, err)
			back, err := Denormalize(tag)
			require.NoError(t, err)
			assert.Equal(t, v, back)
		})
	}

	tag, err := Normalize("v3.0.0-alpha.1")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0a1", tag)
	back, err := Denormalize(tag)
	require.NoError(t, err)
	assert.Equal(t, "3.0.0-alpha.1", back)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.1", -1},
		{"1.0.10", "1.0.9", 1},
		{"1.0.0a1", "1.0.0", -1},
		{"1.0.0-alpha.2", "1.0.0b1", -1},
		{"1.0.0rc1", "1.0.0-beta.9", 1},
		{"v2.0.0", "2.0.0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvalidVersion(t *testing.T) {
	for _, v := range []string{"", "latest", "1.2", "1.2.3-gamma.1", "1.2.3x1", "01.2.3", "1.02.3", "1.2.3rc01", "1.2.3-beta.01"} {
		t.Run(v, func(t *testing.T) {
			_, err := Normalize(v)
			require.Error(t, err)
			assert.Equal(t, util.KindInvalidVersionString, util.KindOf(err))
			assert.False(t, Valid(v))
		})
	}
	_, err := Compare("1.0.0", "nope")
	assert.Equal(t, util.KindInvalidVersionString, util.KindOf(err))
}

func TestValidAgreesWithCompare(t *testing.T) {
	for _, v := range []string{"0.0.0", "10.20.30", "1.0.0rc0", "1.0.0-alpha.10", "01.0.0", "1.0.0b007"} {
		t.Run(v, func(t *testing.T) {
			_, err := Compare(v, "1.0.0")
			assert.Equal(t, Valid(v), err == nil)
		})
	}
	assert.False(t, Equal("01.2.3", "1.2.3"))
}

func TestPrerelease(t *testing.T) {
	marker, err := Prerelease("1.0.0-alpha.1")
	require.NoError(t, err)
	assert.Equal(t, "a", marker)

	marker, err = Prerelease("1.0.0")
	require.NoError(t, err)
	assert.Empty(t, marker)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("1.0.0rc1", "v1.0.0-rc.1"))
	assert.False(t, Equal("1.0.0", "1.0.1"))
	assert.True(t, Equal("weird", "weird"))
}
