// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package faults defines the kinds of failures surfaced by training and evaluation, so callers
// can tell bad data from a bad network or a bad checkpoint.
//
// Kinds are matched with errors.Is:
//
//	losses, err := anomaly.Train(ctx, cfg)
//	if errors.Is(err, faults.ArchiveFetch) {
//		// retry later.
//	}
package faults

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of failure. It implements error so it can be used as the target of errors.Is.
type Kind int

const (
	// Unknown is the zero value, never returned by this module.
	Unknown Kind = iota

	// ShapeMismatch is a violated shape precondition: channel count, image size or a malformed dataset.
	ShapeMismatch

	// CheckpointLoad is a missing, corrupt or incompatible checkpoint.
	CheckpointLoad

	// ArchiveFetch is a failure to retrieve a pretrained archive.
	ArchiveFetch

	// DatasetLoad is a failure to read the dataset file.
	DatasetLoad

	// InvalidConfig is an invalid configuration value.
	InvalidConfig

	// TrainingDiverged means the loss became NaN or infinite.
	TrainingDiverged
)

var kindNames = map[Kind]string{
	Unknown:          "Unknown",
	ShapeMismatch:    "ShapeMismatch",
	CheckpointLoad:   "CheckpointLoad",
	ArchiveFetch:     "ArchiveFetch",
	DatasetLoad:      "DatasetLoad",
	InvalidConfig:    "InvalidConfig",
	TrainingDiverged: "TrainingDiverged",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error implements error.
func (k Kind) Error() string { return k.String() }

// Error is a failure of a given Kind, wrapping its cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Format prints the cause with its stack trace for "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		_, _ = fmt.Fprintf(s, "%s: %s: %+v", e.Kind, e.Msg, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf wraps err with the given kind. It returns nil if err is nil.
//
// If err already carries the same kind it is only annotated with the message.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return errors.WithMessagef(err, format, args...)
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: errors.WithStack(err)}
}

// KindOf returns the kind of err, or Unknown if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
