package govulners

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the govulners error domain type.
//
// Errors coming from govulners components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain. Implementers
// should create an Error at the system boundary (opening a file, executing a
// query, performing an HTTP request) and intermediate layers should prefer
// wrapping with [fmt.Errorf] and a "%w" verb over nesting Errors.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] comparisons against an [ErrorKind].
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
type ErrorKind string

// Defined error kinds.
var (
	ErrInternal     = ErrorKind("internal")     // non-specific internal error
	ErrInvalid      = ErrorKind("invalid")      // invalid request
	ErrPrecondition = ErrorKind("precondition") // some precondition unfulfilled
	ErrTransient    = ErrorKind("transient")    // may succeed on retry
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}

// LockAcquisitionError reports that the database lock could not be acquired
// within its configured timeout. It is transient: slots are left unchanged
// and the caller may retry.
type LockAcquisitionError struct {
	// Access is "read" or "write".
	Access string
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("unable to acquire %s access for the govulners db lock", e.Access)
}

// Is reports lock acquisition failures as transient.
func (e *LockAcquisitionError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == ErrTransient
}

// UninitializedSlotError reports an access to a slot that has never had a
// snapshot installed. It resolves once a sync succeeds.
type UninitializedSlotError struct {
	Slot Slot
}

func (e *UninitializedSlotError) Error() string {
	return fmt.Sprintf("cannot access uninitialized %s govulners db slot; reinitialize via sync", e.Slot)
}

func (e *UninitializedSlotError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == ErrPrecondition
}

// ArchiveNotFoundError reports that the local archive file handed to an
// install does not exist. No state is modified in this case.
type ArchiveNotFoundError struct {
	Path string
}

func (e *ArchiveNotFoundError) Error() string {
	return fmt.Sprintf("govulners db archive file not found at %s", e.Path)
}

// ArchiveUnavailableError reports that the upstream listing manifest has no
// entry matching the locally supported schema version.
type ArchiveUnavailableError struct {
	Version string
}

func (e *ArchiveUnavailableError) Error() string {
	return fmt.Sprintf("no govulners db matching schema version %s is available upstream", e.Version)
}

// InvalidCredentialsError reports an HTTP 401 from the upstream source.
type InvalidCredentialsError struct {
	User string
	URL  string
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials for user %q for url %q", e.User, e.URL)
}

// InsufficientAccessTierError reports an HTTP 403 from the upstream source.
type InsufficientAccessTierError struct {
	User string
}

func (e *InsufficientAccessTierError) Error() string {
	return fmt.Sprintf("access denied due to insufficient access tier for user %q", e.User)
}

// HTTPStatusError reports a non-2xx upstream response that is not a
// credential or access tier problem.
type HTTPStatusError struct {
	Status string
	Code   int
	// Body holds a bounded prefix of the response body, for diagnostics.
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status code: %s (body starts: %q)", e.Status, e.Body)
	}
	return fmt.Sprintf("unexpected status code: %s", e.Status)
}

// UnexpectedContentTypeError reports a response whose Content-Type does not
// match what the protocol requires.
type UnexpectedContentTypeError struct {
	Got  string
	Want string
}

func (e *UnexpectedContentTypeError) Error() string {
	return fmt.Sprintf("unexpected content type %q, want %q", e.Got, e.Want)
}
