// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

// Package errs implements the standardised error taxonomy shared by every
// component boundary. Underlying faults are translated into one of the kinds
// below; the original cause rides along as a wrapped error.
package errs

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error at a component boundary.
type Kind int

const (
	OperationFailed Kind = iota // catch-all underlying I/O or internal failure
	NotInitialized              // component used before startup completed
	InvalidConfig               // config failed the validator
	NotFound                    // entity or path missing
	PermissionDenied            // path traversal, unauthorized caller
	FileTooLarge                // exceeds a capability cap
	QuotaExceeded               // blob store full
	AlreadyExists               // idempotency conflict
	AlreadySigned               // signing ordering conflict
	TransportUnavailable        // named transport absent or uninitialized
	SendTimeout                 // no delivery acknowledgement in time
	Cancelled                   // caller cancelled the operation
	AuthFailed                  // cryptographic authentication failed
	Expired                     // transfer deadline passed
	HashMismatch                // content hash verification failed
	NestedTransaction           // transaction re-entry
)

var kindNames = map[Kind]string{
	OperationFailed:      "OperationFailed",
	NotInitialized:       "NotInitialized",
	InvalidConfig:        "InvalidConfig",
	NotFound:             "NotFound",
	PermissionDenied:     "PermissionDenied",
	FileTooLarge:         "FileTooLarge",
	QuotaExceeded:        "QuotaExceeded",
	AlreadyExists:        "AlreadyExists",
	AlreadySigned:        "AlreadySigned",
	TransportUnavailable: "TransportUnavailable",
	SendTimeout:          "SendTimeout",
	Cancelled:            "Cancelled",
	AuthFailed:           "AuthFailed",
	Expired:              "Expired",
	HashMismatch:         "HashMismatch",
	NestedTransaction:    "NestedTransaction",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the carrier type for taxonomy errors.
type Error struct {
	Kind Kind   // classification
	Op   string // operation that failed, e.g. "blob.Save"
	Msg  string // human-readable detail
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is works across wrapping. The Op field
// takes part only when the target specifies one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates a taxonomy error.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification if the cause is already ours.
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Kind: inner.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind from err. Unclassified errors report
// OperationFailed with ok=false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return OperationFailed, false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the send path may retry after err, per the
// transport failure conventions. OperationFailed counts as retryable only
// when a network fault sits underneath; everything else is terminal for the
// recipient.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case SendTimeout, TransportUnavailable:
		return true
	case OperationFailed:
		var ne net.Error
		return errors.As(err, &ne)
	}
	return false
}
