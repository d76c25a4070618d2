// Package scanerr classifies errors raised while scanning a cloud account.
//
// Every per-unit error is mapped to a Kind. Transient errors are
// retried, NotEnabled errors are benign and Malformed errors fail the unit.
// Fatal errors abort the whole run before any unit is scheduled.
package scanerr

import (
	"context"
	"errors"
	"fmt"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Kind is the category of a scan error.
type Kind string

const (
	Transient  Kind = "transient"
	NotEnabled Kind = "not_enabled"
	Malformed  Kind = "malformed"
	Fatal      Kind = "fatal"
	// Cancelled marks a unit dropped because the run was cancelled.
	Cancelled Kind = "cancelled"
)

// Benign reports whether a failure of this kind should not affect the run status.
func (k Kind) Benign() bool {
	return k == NotEnabled
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: NotEnabled}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New wraps err with an explicit kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Malformedf returns a Malformed error for a response the adapter cannot parse.
func Malformedf(op, format string, args ...any) *Error {
	return &Error{Kind: Malformed, Op: op, Err: fmt.Errorf(format, args...)}
}

// API error codes that mean the service is not usable in the region for this
// account. Scanning them again will not help.
var notEnabledCodes = map[string]bool{
	"AccessDenied":                  true,
	"AccessDeniedException":         true,
	"UnauthorizedOperation":         true,
	"UnauthorizedAccess":            true,
	"AuthFailure":                   true,
	"OptInRequired":                 true,
	"InvalidClientTokenId":          true,
	"UnrecognizedClientException":   true,
	"SubscriptionRequiredException": true,
	"NotSignedUp":                   true,
	"AllAccessDisabled":             true,
}

var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"ServiceUnavailable":                     true,
	"Unavailable":                            true,
	"EC2ThrottledException":                  true,
	"PriorRequestNotComplete":                true,
}

var fatalCodes = map[string]bool{
	"ExpiredToken":               true,
	"ExpiredTokenException":      true,
	"InvalidAccessKeyId":         true,
	"SignatureDoesNotMatch":      true,
	"MissingAuthenticationToken": true,
}

// Classify maps err to a Kind. Errors already carrying a Kind keep it.
// Unknown errors are treated as Transient so they get retried and then
// surface as a non-benign unit failure.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case notEnabledCodes[code]:
			return NotEnabled
		case fatalCodes[code]:
			return Fatal
		case transientCodes[code]:
			return Transient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 403:
			return NotEnabled
		case status == 429 || status >= 500:
			return Transient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	if apiErr != nil && apiErr.ErrorFault() == smithy.FaultClient {
		return Malformed
	}

	return Transient
}

// Wrap classifies err and wraps it with op. A nil err returns nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == Transient
}
