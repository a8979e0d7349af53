// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package apperr classifies errors by the §7 error-handling taxonomy
// (Transport, Protocol, Codec, Policy, Config) so callers can tell the
// categories apart with KindOf instead of string-matching error text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the five error categories from the error handling design.
type Kind string

const (
	Transport Kind = "transport"
	Protocol  Kind = "protocol"
	Codec     Kind = "codec"
	Policy    Kind = "policy"
	Config    Kind = "config"
)

// Error wraps an underlying cause with a Kind and a human-readable
// message, and participates in errors.Is/As via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it returns "" and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
