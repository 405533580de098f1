package aws

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/pkg/errors"
)

// Kind is the classification of a remote-call failure.  It is computed once
// at the API boundary so that callers never re-inspect vendor error types.
type Kind int

const (
	// Transient failures are safe to retry or poll past.
	Transient Kind = iota

	// Unrecoverable failures must abort the operation and trigger rollback.
	Unrecoverable

	// Authorization failures are unrecoverable, but reported distinctly so
	// the caller can surface an actionable message.
	Authorization
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Authorization:
		return "authorization"
	default:
		return "unrecoverable"
	}
}

var authorizationCodes = map[string]bool{
	"UnauthorizedOperation":      true,
	"AuthFailure":                true,
	"OperationNotPermitted":      true,
	"AccessDenied":               true,
	"AccessDeniedException":      true,
	"UnauthorizedAccess":         true,
	"InvalidClientTokenId":       true,
	"SignatureDoesNotMatch":      true,
	"PendingVerification":        true,
	"OptInRequired":              true,
	"MissingAuthenticationToken": true,
}

var capacityCodes = map[string]bool{
	"InstanceLimitExceeded":             true,
	"MaxSpotInstanceCountExceeded":      true,
	"RequestResourceCountExceeded":      true,
	"InsufficientInstanceCapacity":      true,
	"InsufficientFreeAddressesInSubnet": true,
	"VolumeLimitExceeded":               true,
	"SpotMaxPriceTooLow":                true,
}

// Classify maps a remote-call failure to a Kind.  Anything that is not an AWS
// error - a client-side bug, a nil dereference wrapped in an error - is
// Unrecoverable: when in doubt, fail closed rather than retry forever.
func Classify(err error) Kind {
	aerr, ok := errors.Cause(err).(awserr.Error)
	if !ok {
		return Unrecoverable
	}

	code := aerr.Code()
	switch {
	case authorizationCodes[code]:
		return Authorization
	case capacityCodes[code]:
		return Unrecoverable
	case strings.HasPrefix(code, "InvalidParameter"),
		strings.HasPrefix(code, "Unsupported"),
		code == "ValidationError",
		code == "MissingParameter":
		return Unrecoverable
	case strings.HasSuffix(code, ".NotFound"):
		// Visibility lag between creation acknowledgement and the object
		// becoming describable.
		return Transient
	case request.IsErrorThrottle(err), request.IsErrorRetryable(err):
		return Transient
	}
	return Unrecoverable
}

// IsCapacity reports whether the failure indicates an account capacity or
// limit problem, as opposed to a malformed request or lost connectivity.
func IsCapacity(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	if !ok {
		return false
	}
	return capacityCodes[aerr.Code()]
}

// IsNotFound reports whether the failure is the provider saying the object is
// not (yet) describable.
func IsNotFound(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	if !ok {
		return false
	}
	return strings.HasSuffix(aerr.Code(), ".NotFound")
}

// CleanupError reports a failure together with any errors encountered while
// compensating for it.  Cleanup failures never mask the primary cause; they
// are carried alongside it.
type CleanupError struct {
	Primary error
	Cleanup []error
}

func (e *CleanupError) Error() string {
	msg := e.Primary.Error()
	for _, c := range e.Cleanup {
		msg += fmt.Sprintf("; cleanup: %s", c.Error())
	}
	return msg
}

// Cause returns the primary failure.
func (e *CleanupError) Cause() error { return e.Primary }

// Unwrap returns the primary failure.
func (e *CleanupError) Unwrap() error { return e.Primary }

// MultiError aggregates independent failures from best-effort operations that
// must all be attempted regardless of each other's outcome.
type MultiError []error

func (e MultiError) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Join returns nil when errs is empty, the sole error when there is exactly
// one, and a MultiError otherwise.
func Join(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return MultiError(errs)
}
