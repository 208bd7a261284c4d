// Package errs defines the error taxonomy shared by every stage of the
// query pipeline and the speaker identity store.
//
// Each error carries a Kind. The protocol layer maps kinds to JSON-RPC
// error codes and, for security rejections, to a generic message that
// does not reveal schema internals.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	ParseError               Kind = "ParseError"
	MissingParameter         Kind = "MissingParameter"
	NotReadOnly              Kind = "NotReadOnly"
	ForbiddenTable           Kind = "ForbiddenTable"
	ForbiddenColumn          Kind = "ForbiddenColumn"
	RequiresParameterization Kind = "RequiresParameterization"
	ResultLimitExceeded      Kind = "ResultLimitExceeded"
	RateLimitExceeded        Kind = "RateLimitExceeded"
	TimingAttackSuspected    Kind = "TimingAttackSuspected"
	ExecutionTimeout         Kind = "ExecutionTimeout"
	StorageUnavailable       Kind = "StorageUnavailable"
	MergeConflict            Kind = "MergeConflict"
	Internal                 Kind = "Internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain,
// or Internal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may be retried automatically.
// Only storage availability failures qualify.
func Retryable(err error) bool {
	return Is(err, StorageUnavailable)
}

// IsSecurity reports whether kind is a Security Validator rejection.
func IsSecurity(kind Kind) bool {
	switch kind {
	case NotReadOnly, ForbiddenTable, ForbiddenColumn, RequiresParameterization,
		ResultLimitExceeded, RateLimitExceeded, TimingAttackSuspected:
		return true
	}
	return false
}

// codes are in the JSON-RPC implementation-defined server error range.
var codes = map[Kind]int{
	ParseError:               -32001,
	MissingParameter:         -32002,
	NotReadOnly:              -32003,
	ForbiddenTable:           -32004,
	ForbiddenColumn:          -32005,
	RequiresParameterization: -32006,
	ResultLimitExceeded:      -32007,
	RateLimitExceeded:        -32008,
	TimingAttackSuspected:    -32009,
	ExecutionTimeout:         -32010,
	StorageUnavailable:       -32011,
	MergeConflict:            -32012,
	Internal:                 -32013,
}

// Code returns the JSON-RPC error code for kind.
func Code(kind Kind) int {
	if c, ok := codes[kind]; ok {
		return c
	}
	return codes[Internal]
}

var safeMessages = map[Kind]string{
	NotReadOnly:              "the request would require a non read-only operation",
	ForbiddenTable:           "the request references data that is not available to queries",
	ForbiddenColumn:          "the request references fields that are not available to queries",
	RequiresParameterization: "the request contains values that must be supplied as parameters",
	ResultLimitExceeded:      "the request asks for more results than allowed",
	RateLimitExceeded:        "too many queries of this complexity; try again shortly",
	TimingAttackSuspected:    "the request contains a disallowed construct",
}

// SafeMessage returns a caller-facing message. Security rejections get a
// fixed description; other kinds keep their own message.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	if msg, ok := safeMessages[kind]; ok {
		return msg
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
