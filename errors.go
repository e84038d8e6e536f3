package dlmm

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrorKind is the closed error taxonomy of spec §7. Each kind has a fixed
// propagation rule; nothing downstream should re-derive it from a message
// string.
type ErrorKind string

const (
	KindTransientRPC       ErrorKind = "TRANSIENT_RPC"
	KindStaleSnapshot      ErrorKind = "STALE_SNAPSHOT"
	KindInvariantViolation ErrorKind = "INVARIANT_VIOLATION"
	KindConfigMissing      ErrorKind = "CONFIG_MISSING"
	KindValidationFailure  ErrorKind = "VALIDATION_FAILURE"
	KindDeadlockSuspected  ErrorKind = "DEADLOCK_SUSPECTED"
	KindDuplicateID        ErrorKind = "DUPLICATE_ID_COLLISION"
)

// Fatal reports whether an error of this kind must terminate the process
// (InvariantViolation, ConfigMissing) rather than be handled inline.
func (k ErrorKind) Fatal() bool {
	return k == KindInvariantViolation || k == KindConfigMissing
}

// CoreError wraps an underlying cause with its taxonomy kind and enough
// context to log or report without re-parsing a message string.
type CoreError struct {
	Kind    ErrorKind
	Op      string // component/operation that raised it, e.g. "seal.Build"
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewCoreError constructs a CoreError.
func NewCoreError(kind ErrorKind, op string, cause error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Cause: cause}
}

// IsKind reports whether err (or any error it wraps) is a CoreError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Report sends a fatal CoreError to the configured error-reporting
// collaborator before the caller exits the process. Non-fatal kinds are not
// sent here — they are handled via normal structured logging.
func Report(err *CoreError) {
	if err == nil || !err.Kind.Fatal() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_kind", string(err.Kind))
		scope.SetTag("op", err.Op)
		sentry.CaptureException(err)
	})
	sentry.Flush(2 * time.Second)
}
