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
	"strings"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind classifies a failure for operators.
//
// # Description
//
// Each Kind has a stable numeric code and a short label. Codes never change
// meaning between releases because operators grep logs for them.
type Kind int

const (
	KindUnexpected Kind = iota
	KindMissingDirectory
	KindMissingFile
	KindServicesLoadFailure
	KindMalformedMigrationFile
	KindRevisionNotFound
	KindInvalidRevisionLink
	KindUnsupportedMigrationType
	KindCyclicDependency
	KindInvalidVersionString
	KindExternalScriptFailure
)

var kindInfo = map[Kind]struct {
	code  int
	label string
}{
	KindUnexpected:               {1099, "Unexpected error"},
	KindMissingDirectory:         {1001, "Missing directory"},
	KindMissingFile:              {1002, "Missing file"},
	KindServicesLoadFailure:      {1003, "Services load failure"},
	KindMalformedMigrationFile:   {1004, "Malformed migration file"},
	KindRevisionNotFound:         {1005, "Revision not found"},
	KindInvalidRevisionLink:      {1006, "Invalid revision link"},
	KindUnsupportedMigrationType: {1007, "Unsupported migration type"},
	KindCyclicDependency:         {1008, "Cyclic dependency"},
	KindInvalidVersionString:     {1009, "Invalid version string"},
	KindExternalScriptFailure:    {1010, "External script failure"},
}

// Code returns the stable numeric code of the kind.
func (k Kind) Code() int {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return kindInfo[KindUnexpected].code
}

// Label returns the human label of the kind.
func (k Kind) Label() string {
	if info, ok := kindInfo[k]; ok {
		return info.label
	}
	return kindInfo[KindUnexpected].label
}

// String implements fmt.Stringer as "AU<code> <label>".
func (k Kind) String() string {
	return fmt.Sprintf("AU%d %s", k.Code(), k.Label())
}

// =============================================================================
// Error
// =============================================================================

// Error is a classified autoupgrader failure.
//
// # Description
//
// Error renders as a single line that always contains the code, the label
// and the detail, plus the path and cause when present:
//
//	[AU1001] Missing directory: release assets not extracted (path=/var/lib/au/miner-1.0.1)
//
// # Thread Safety
//
// Error values are immutable after construction.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Detail is the contextual message.
	Detail string

	// Path is the filesystem path involved, if any.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[AU%d] %s", e.Kind.Code(), e.Kind.Label())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
//
// This lets callers match on kind with errors.Is(err, &util.Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Path == "" && t.Err == nil
}

var _ error = (*Error)(nil)

// NewError creates a classified error with a formatted detail.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// NewPathError creates a classified error about a filesystem path.
func NewPathError(kind Kind, path, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Path: path}
}

// WrapError classifies err. A nil err yields nil.
func WrapError(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
//
// A CommandError anywhere in the chain without an enclosing *Error is an
// external script failure. Anything else is unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return KindExternalScriptFailure
	}
	return KindUnexpected
}

// Format renders any error as the single operator-facing line.
//
// Errors that already carry a classified *Error at the top are returned as
// is. Otherwise the message is prefixed with the code and label of KindOf.
func Format(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified == err {
		return err.Error()
	}
	kind := KindOf(err)
	return fmt.Sprintf("[AU%d] %s: %v", kind.Code(), kind.Label(), err)
}

// =============================================================================
// Command Errors
// =============================================================================

// CommandError represents a failed external command execution.
//
// # Description
//
// Captures the command line, exit code, trimmed stderr and the underlying
// error (usually *exec.ExitError or a context error).
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code, or -1 if it never ran.
	ExitCode int

	// Stderr is the captured error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError with trimmed stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the stderr of the first CommandError in the chain.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasStderr() {
		return cmdErr.Stderr
	}
	return ""
}
