// ABOUTME: Typed error kinds surfaced by the store and operations
// ABOUTME: The transport layer maps kinds to protocol status codes

package outcome

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the transport layer.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidationFailed
	KindGone
	KindUnimplemented
	KindBadRequest
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidationFailed:
		return "validation-failed"
	case KindGone:
		return "gone"
	case KindUnimplemented:
		return "unimplemented"
	case KindBadRequest:
		return "bad-request"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified failure with an optional outcome.
type Error struct {
	Kind    Kind
	Message string
	Outcome *Outcome

	// Detail is the complete outcome of a failed validation, warnings and
	// information included.
	Detail *Outcome

	// Deleted is set on KindGone when a tombstone shows the resource existed.
	Deleted bool
}

func (e *Error) Error() string {
	return e.Message
}

// ValidationFailed builds the error for a rejected write. The message carries
// the counts; the attached outcome keeps only errors and fatals.
func ValidationFailed(o *Outcome) *Error {
	msg := fmt.Sprintf("Validation failed: %d errors, %d warnings", o.Errors(), o.Warnings())
	if o.Fatals() > 0 {
		msg += fmt.Sprintf(" (%d fatals)", o.Fatals())
	}
	return &Error{Kind: KindValidationFailed, Message: msg, Outcome: o.WithoutNonErrors(), Detail: o.Clone()}
}

// Gone reports a missing current or historical version.
func Gone(ref string, deleted bool) *Error {
	msg := fmt.Sprintf("%s not found", ref)
	code := IssueNotFound
	if deleted {
		msg = fmt.Sprintf("%s has been deleted", ref)
		code = IssueDeleted
	}
	return &Error{
		Kind:    KindGone,
		Message: msg,
		Outcome: New().Add(SeverityError, code, "%s", msg),
		Deleted: deleted,
	}
}

// Unimplemented reports an unknown operation or interaction.
func Unimplemented(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind:    KindUnimplemented,
		Message: msg,
		Outcome: New().Add(SeverityError, IssueNotSupported, "%s", msg),
	}
}

// BadRequest wraps an outcome describing malformed input. When o is nil a
// single error issue is built from the message.
func BadRequest(o *Outcome, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if o == nil {
		o = New().Add(SeverityError, IssueInvalid, "%s", msg)
	}
	return &Error{Kind: KindBadRequest, Message: msg, Outcome: o}
}

// Conflict reports a failed version precondition.
func Conflict(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Kind:    KindConflict,
		Message: msg,
		Outcome: New().Add(SeverityError, IssueConflict, "%s", msg),
	}
}

// Full returns Detail when set, otherwise Outcome.
func (e *Error) Full() *Outcome {
	if e.Detail != nil {
		return e.Detail
	}
	return e.Outcome
}

// KindOf returns the kind of err, KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsGone reports whether err is a Gone error.
func IsGone(err error) bool {
	return KindOf(err) == KindGone
}

// AsError extracts the typed error.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
