package propsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"propsync/internal/model"
)

// Sentinel errors shared by every backend. Backends wrap native errors so
// callers can match with errors.Is.
var (
	// ErrDocumentTooLarge is the only fatal remote error: retrying cannot help.
	ErrDocumentTooLarge  = errors.New("document exceeds the maximum allowed size")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("remote store unavailable")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInternalAssertion = errors.New("internal assertion failed")
	ErrDuplicateTarget   = errors.New("target id already exists")
	ErrQuotaExceeded     = errors.New("cache quota exceeded")
	ErrBothTiersFailed   = errors.New("both storage tiers failed")
	// ErrWritesPending marks a write queued behind earlier offline writes
	// for the same entity.
	ErrWritesPending = errors.New("earlier writes for this entity are still queued")
	// ErrUnconfirmed reports a remote write that landed but whose result
	// could not be read back from any tier.
	ErrUnconfirmed = errors.New("write applied but its result could not be read back")
	ErrValidation  = model.ErrInvalid
)

// ErrorClass groups errors by how the retry executor and health monitor
// react to them.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassFatal
	ClassPermanent
	ClassInternalAssertion
	ClassDuplicateTarget
	ClassPermission
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassPermanent:
		return "permanent"
	case ClassInternalAssertion:
		return "internal-assertion"
	case ClassDuplicateTarget:
		return "duplicate-target"
	case ClassPermission:
		return "permission"
	default:
		return "transient"
	}
}

// Message fragments emitted by hosted document stores that do not surface
// typed errors.
var (
	tooLargeSignatures = []string{
		"exceeds the maximum allowed size",
		"document too large",
		"entitytoolarge",
		"request entity too large",
	}
	assertionSignatures  = []string{"internal assertion failed", "unexpected state"}
	duplicateSignatures  = []string{"target id already exists", "duplicate target"}
	permissionSignatures = []string{
		"permission-denied",
		"permission denied",
		"missing or insufficient permissions",
		"unauthenticated",
	}
)

// ClassifyError maps an error onto the retry taxonomy.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrDocumentTooLarge):
		return ClassFatal
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation), errors.Is(err, context.Canceled):
		return ClassPermanent
	case errors.Is(err, ErrInternalAssertion):
		return ClassInternalAssertion
	case errors.Is(err, ErrDuplicateTarget):
		return ClassDuplicateTarget
	case errors.Is(err, ErrPermissionDenied):
		return ClassPermission
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, tooLargeSignatures):
		return ClassFatal
	case containsAny(msg, assertionSignatures):
		return ClassInternalAssertion
	case containsAny(msg, duplicateSignatures):
		return ClassDuplicateTarget
	case containsAny(msg, permissionSignatures):
		return ClassPermission
	}
	return ClassTransient
}

// IsFatal reports whether err must not be retried because the caller has to
// reduce the payload first.
func IsFatal(err error) bool {
	return ClassifyError(err) == ClassFatal
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ClassFatal, ClassPermanent:
		return false
	default:
		return true
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// TierError reports a write that failed against the remote store and then
// again against the local cache. It matches ErrBothTiersFailed and both causes.
type TierError struct {
	Op     string
	Kind   string
	ID     string
	Remote error
	Cache  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s %s %s: %v (remote: %v; cache: %v)", e.Op, e.Kind, e.ID, ErrBothTiersFailed, e.Remote, e.Cache)
}

func (e *TierError) Unwrap() []error {
	return []error{ErrBothTiersFailed, e.Remote, e.Cache}
}
