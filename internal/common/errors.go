package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind identifies a failure category. Handlers map kinds to HTTP status
// codes and the retry helper decides retryability from the kind alone, never
// from the message text.
type ErrorKind string

const (
	KindInvalidURL         ErrorKind = "InvalidUrl"
	KindInvalidJobID       ErrorKind = "InvalidJobId"
	KindInvalidPagination  ErrorKind = "InvalidPagination"
	KindNotFound           ErrorKind = "NotFound"
	KindNotInExpectedState ErrorKind = "NotInExpectedState"
	KindQueueFull          ErrorKind = "QueueFull"
	KindDownloaderMissing  ErrorKind = "DownloaderMissing"
	KindEncoderMissing     ErrorKind = "EncoderMissing"
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
	KindDownloadFailed     ErrorKind = "DownloadFailed"
	KindProcessingFailed   ErrorKind = "ProcessingFailed"
	KindTimeout            ErrorKind = "Timeout"
	KindSizeExceeded       ErrorKind = "SizeExceeded"
	KindOutputMissing      ErrorKind = "OutputMissing"
	KindCancelled          ErrorKind = "Cancelled"
	KindInternal           ErrorKind = "Internal"
)

// Error is the service-wide error type. Reason is safe to show to clients;
// Err carries the underlying cause for logs only.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an error with a kind and a client-safe reason.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// NewErrorf creates an error with a formatted reason.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and reason to an underlying error.
func WrapError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the client-safe reason from an error chain. Unclassified
// errors yield a generic reason so internals never leak to clients.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation failing with this kind may succeed
// on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindDownloadFailed, KindStorageUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status code the HTTP layer returns.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidURL, KindInvalidJobID, KindInvalidPagination:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotInExpectedState, KindCancelled:
		return http.StatusConflict
	case KindQueueFull, KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
