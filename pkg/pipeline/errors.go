package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrorKind categorizes a replication failure by how far it propagates.
type ErrorKind string

const (
	// ErrorKindAuthorization means credentials for an account could not be obtained. Fatal to the run.
	ErrorKindAuthorization ErrorKind = "authorization_failure"
	// ErrorKindDiscovery means a resource listing failed. Fatal to the run.
	ErrorKindDiscovery ErrorKind = "discovery_failure"
	// ErrorKindSnapshot means a snapshot could not be created or reached FAILED.
	ErrorKindSnapshot ErrorKind = "snapshot_failure"
	// ErrorKindTransfer means a restore or copy call failed.
	ErrorKindTransfer ErrorKind = "transfer_failure"
	// ErrorKindConsistency means a newly created item never became readable.
	ErrorKindConsistency ErrorKind = "eventual_consistency_timeout"
	// ErrorKindTimeout means a wait exceeded its configured ceiling.
	ErrorKindTimeout ErrorKind = "timeout"
)

// Fatal reports whether errors of this kind abort the whole run.
func (k ErrorKind) Fatal() bool {
	return k == ErrorKindAuthorization || k == ErrorKindDiscovery
}

// IsFatal reports whether err, or any categorized error it wraps, aborts the run.
func IsFatal(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind.Fatal() {
			return true
		}
		err = e.Cause
	}
	return false
}

// ErrDeclined is returned by Run when the operator declines a confirmation prompt.
var ErrDeclined = errors.New("replication declined by operator")

// Error is a categorized replication error.
type Error struct {
	Kind     ErrorKind
	Resource string
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Kind))
	sb.WriteString("]")
	if e.Resource != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Resource)
	}
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError wraps cause with a kind, the resource it concerns and the failing operation.
func NewError(kind ErrorKind, resource, op string, cause error) *Error {
	return &Error{Kind: kind, Resource: resource, Op: op, Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Untyped errors count as transfer failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindTransfer
}

// IsKind checks if err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorClass is what the retry policy needs to know about a remote error.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	// ClassCredentialExpired: the session token behind the call has expired.
	ClassCredentialExpired
	// ClassNotYetVisible: a just-created member is not readable yet.
	ClassNotYetVisible
	// ClassNotFound: the addressed resource does not exist.
	ClassNotFound
	// ClassAlreadyOwned: a create call found the resource already owned by the caller.
	ClassAlreadyOwned
	// ClassAccessDenied: the caller may not touch the resource.
	ClassAccessDenied
	// ClassInUse: the resource is busy with another state change.
	ClassInUse
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCredentialExpired:
		return "credential_expired"
	case ClassNotYetVisible:
		return "not_yet_visible"
	case ClassNotFound:
		return "not_found"
	case ClassAlreadyOwned:
		return "already_owned"
	case ClassAccessDenied:
		return "access_denied"
	case ClassInUse:
		return "in_use"
	default:
		return "other"
	}
}

// expiredTokenMessage is the text the platform puts in expired-session errors.
// Some code paths surface it without a typed error code.
const expiredTokenMessage = "security token included in the request is expired"

var errorCodeClasses = map[string]ErrorClass{
	"ExpiredToken":              ClassCredentialExpired,
	"ExpiredTokenException":     ClassCredentialExpired,
	"RequestExpired":            ClassCredentialExpired,
	"UserNotFoundException":     ClassNotYetVisible,
	"ResourceNotFoundException": ClassNotFound,
	"TableNotFoundException":    ClassNotFound,
	"NoSuchBucket":              ClassNotFound,
	"NotFound":                  ClassNotFound,
	"BucketAlreadyOwnedByYou":   ClassAlreadyOwned,
	"AccessDenied":              ClassAccessDenied,
	"AccessDeniedException":     ClassAccessDenied,
	"Forbidden":                 ClassAccessDenied,
	"ResourceInUseException":    ClassInUse,
}

// Classify is the single place remote errors are interpreted.
// Typed API error codes win; the message sentinel is the fallback.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if class, ok := errorCodeClasses[apiErr.ErrorCode()]; ok {
			return class
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), expiredTokenMessage) {
		return ClassCredentialExpired
	}
	return ClassOther
}

// causeMessage renders err for the report without the kind prefix.
func causeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Cause != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Cause)
		}
		return e.Cause.Error()
	}
	return err.Error()
}
