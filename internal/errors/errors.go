// Package errors defines the error taxonomy shared by every vault
// component. Callers branch on the Kind, never on message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	// KindNotFound means a named entity does not exist.
	KindNotFound Kind = "not-found"
	// KindInvalidInput means a business rule was violated.
	KindInvalidInput Kind = "invalid-input"
	// KindForbidden means the authorization layer denied the operation.
	KindForbidden Kind = "forbidden"
	// KindIntegrityFailure means a cryptographic check failed: AEAD tag
	// mismatch, corrupt envelope, or Shamir reconstruction mismatch.
	KindIntegrityFailure Kind = "integrity-failure"
	// KindSealed means the seal gate refused a protected operation.
	KindSealed Kind = "sealed"
	// KindVersionMismatch means an envelope declared an unsupported
	// format version.
	KindVersionMismatch Kind = "version-mismatch"
	// KindNotImplemented marks reserved functionality.
	KindNotImplemented Kind = "not-implemented"
	// KindInternal is everything uncategorised. Internal errors are
	// logged with full detail and surfaced with a generic message.
	KindInternal Kind = "internal"
)

// Error carries a kind, a caller-safe message, and an optional cause.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns the message callers outside the process may see.
// Internal errors get a generic message; everything else is verbatim.
func (e *Error) SafeMessage() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func NotFoundf(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(msg string) error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func InvalidInputf(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func IntegrityFailure(msg string) error {
	return &Error{Kind: KindIntegrityFailure, Message: msg}
}

func Sealed(msg string) error {
	return &Error{Kind: KindSealed, Message: msg}
}

func VersionMismatch(msg string) error {
	return &Error{Kind: KindVersionMismatch, Message: msg}
}

func NotImplemented(msg string) error {
	return &Error{Kind: KindNotImplemented, Message: msg}
}

func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
