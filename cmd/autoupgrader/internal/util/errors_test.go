// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewPathError(KindMissingDirectory, "/srv/miner-1.0.1", "release assets not extracted")
	assert.Equal(t, "[AU1001] Missing directory: release assets not extracted (path=/srv/miner-1.0.1)", err.Error())

	wrapped := WrapError(KindMalformedMigrationFile, errors.New("yaml: line 3"), "parse %s", "002.yaml")
	assert.Equal(t, "[AU1004] Malformed migration file: parse 002.yaml: yaml: line 3", wrapped.Error())

	assert.Nil(t, WrapError(KindUnexpected, nil, "ignored"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", NewError(KindCyclicDependency, "a -> b -> a"), KindCyclicDependency},
		{"wrapped classified", fmt.Errorf("step: %w", NewError(KindRevisionNotFound, "004")), KindRevisionNotFound},
		{"command error", fmt.Errorf("setup: %w", NewCommandError("sh setup.sh", 2, "boom\n", nil)), KindExternalScriptFailure},
		{"plain", errors.New("disk full"), KindUnexpected},
		{"nil", nil, KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "[AU1099] Unexpected error: disk full", Format(errors.New("disk full")))

	cmdErr := fmt.Errorf("stop redis: %w", NewCommandError("sh stop.sh", 1, " refused ", nil))
	assert.Equal(t, "[AU1010] External script failure: stop redis: sh stop.sh (exit 1): refused", Format(cmdErr))

	classified := NewError(KindServicesLoadFailure, "no services for 1.0.1")
	assert.Equal(t, classified.Error(), Format(classified))
}

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load: %w", NewError(KindMissingFile, "metadata.json"))
	require.True(t, errors.Is(err, &Error{Kind: KindMissingFile}))
	assert.False(t, errors.Is(err, &Error{Kind: KindMissingDirectory}))
}

func TestKind_UnknownFallsBack(t *testing.T) {
	k := Kind(404)
	assert.Equal(t, 1099, k.Code())
	assert.Equal(t, "Unexpected error", k.Label())
	assert.Equal(t, "AU1008 Cyclic dependency", KindCyclicDependency.String())
}

func TestExtractStderr(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewCommandError("x", 1, "bad thing", nil))
	assert.Equal(t, "bad thing", ExtractStderr(err))
	assert.Equal(t, "", ExtractStderr(errors.New("plain")))
}
